package proof

import (
	"fmt"
	"net/url"
	"strings"
)

// ZKFetchPath is the attester endpoint accepting a FetchRequest.
const ZKFetchPath = "/v1/zkfetch"

// PublicOptions are request options that become part of the claim.
type PublicOptions struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// PrivateOptions are sent upstream but never disclosed in the claim.
type PrivateOptions struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// FetchRequest asks an attester to fetch URL and sign what it observed.
type FetchRequest struct {
	URL             string          `json:"url"`
	PublicOptions   PublicOptions   `json:"publicOptions"`
	PrivateOptions  PrivateOptions  `json:"privateOptions"`
	ResponseMatches []ResponseMatch `json:"responseMatches,omitempty"`
	// Owner is the address the claim is issued to.
	Owner string `json:"owner,omitempty"`
}

// Validate checks the request shape.
func (r *FetchRequest) Validate() error {
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("proof: fetch url %q must be absolute http(s)", r.URL)
	}
	for i, m := range r.ResponseMatches {
		switch m.Type {
		case MatchJSONPath:
			if strings.TrimSpace(m.Name) == "" || strings.TrimSpace(m.Value) == "" {
				return fmt.Errorf("proof: json match %d needs name and path", i)
			}
		case MatchRegex:
			if strings.TrimSpace(m.Value) == "" {
				return fmt.Errorf("proof: regex match %d needs a pattern", i)
			}
		default:
			return fmt.Errorf("proof: match %d has unsupported type %q", i, m.Type)
		}
	}
	return nil
}

// Parameters returns the public claim parameters. Private headers are left
// out.
func (r *FetchRequest) Parameters() Parameters {
	headers := make(map[string]string, len(r.PublicOptions.Headers))
	for k, v := range r.PublicOptions.Headers {
		headers[strings.ToLower(k)] = v
	}
	if len(headers) == 0 {
		headers = nil
	}
	return Parameters{
		Body:            r.PublicOptions.Body,
		Headers:         headers,
		Method:          r.PublicOptions.Method,
		ResponseMatches: append([]ResponseMatch(nil), r.ResponseMatches...),
		URL:             strings.TrimSpace(r.URL),
	}
}
