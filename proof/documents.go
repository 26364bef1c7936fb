package proof

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ProviderHTTP is the provider name used for plain HTTPS fetch claims.
const ProviderHTTP = "http"

// Response match kinds understood by attesters.
const (
	MatchJSONPath = "json"
	MatchRegex    = "regex"
)

// ResponseMatch selects a value out of a fetched response body. For json
// matches Value is a dot separated path and Name the parameter it is
// extracted into; regex matches extract every named group.
type ResponseMatch struct {
	Name  string `json:"name,omitempty"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Parameters is the public description of the fetch that was attested. Field
// order is alphabetical so the encoded document is canonical.
type Parameters struct {
	Body            string            `json:"body"`
	Headers         map[string]string `json:"headers,omitempty"`
	Method          string            `json:"method"`
	ResponseMatches []ResponseMatch   `json:"responseMatches,omitempty"`
	URL             string            `json:"url"`
}

// Context carries what the attester observed.
type Context struct {
	ExtractedParameters map[string]string `json:"extractedParameters"`
	ProviderHash        string            `json:"providerHash"`
}

func canonicalJSON(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Encode returns the canonical JSON form of the parameters.
func (p Parameters) Encode() (string, error) {
	p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
	if p.Method == "" {
		p.Method = "GET"
	}
	return canonicalJSON(p)
}

// ParsedURL parses the attested URL.
func (p Parameters) ParsedURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", p.URL)
	}
	return u, nil
}

// ParseParameters decodes the parameters document of a claim.
func ParseParameters(raw string) (Parameters, error) {
	var params Parameters
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return Parameters{}, fmt.Errorf("proof: parse parameters: %w", err)
	}
	return params, nil
}

// Encode returns the canonical JSON form of the context.
func (c Context) Encode() (string, error) {
	if c.ExtractedParameters == nil {
		c.ExtractedParameters = map[string]string{}
	}
	return canonicalJSON(c)
}

// ParseContext decodes the context document of a claim.
func ParseContext(raw string) (Context, error) {
	var ctx Context
	if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
		return Context{}, fmt.Errorf("proof: parse context: %w", err)
	}
	if ctx.ExtractedParameters == nil {
		ctx.ExtractedParameters = map[string]string{}
	}
	return ctx, nil
}

// ProviderHash fingerprints the shape of a fetch (method, url and matches)
// independently of the observed response.
func ProviderHash(p Parameters) (string, error) {
	matches, err := canonicalJSON(p.ResponseMatches)
	if err != nil {
		return "", err
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = "GET"
	}
	digest := ethcrypto.Keccak256Hash([]byte(strings.Join([]string{method, strings.TrimSpace(p.URL), matches}, "\n")))
	return digest.Hex(), nil
}

// NewHTTPClaimInfo assembles the claim info for an attested HTTP fetch of
// params that observed the extracted values.
func NewHTTPClaimInfo(params Parameters, extracted map[string]string) (ClaimInfo, error) {
	encodedParams, err := params.Encode()
	if err != nil {
		return ClaimInfo{}, fmt.Errorf("proof: encode parameters: %w", err)
	}
	providerHash, err := ProviderHash(params)
	if err != nil {
		return ClaimInfo{}, fmt.Errorf("proof: provider hash: %w", err)
	}
	encodedCtx, err := Context{ExtractedParameters: extracted, ProviderHash: providerHash}.Encode()
	if err != nil {
		return ClaimInfo{}, fmt.Errorf("proof: encode context: %w", err)
	}
	return ClaimInfo{Provider: ProviderHTTP, Parameters: encodedParams, Context: encodedCtx}, nil
}
