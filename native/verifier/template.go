package verifier

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var contractInfoArguments = abi.Arguments{{Name: "contractInfo", Type: mustContractInfoType()}}

func mustContractInfoType() abi.Type {
	typ, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "endpoint", Type: "string"},
		{Name: "fid", Type: "uint256"},
		{Name: "checkpointTexts", Type: "string[]"},
		{Name: "terminationText", Type: "string"},
	})
	if err != nil {
		panic(fmt.Sprintf("verifier: build contract info type: %v", err))
	}
	return typ
}

// ContractInfo is the claim template bound to an agreement. Endpoint is the
// absolute URL (scheme, host and path) the attested fetch must target, Fid
// the identity whose content is being claimed. CheckpointTexts[i] is the text
// that proves checkpoint i; TerminationText proves termination and an empty
// value disables termination.
type ContractInfo struct {
	Endpoint        string
	Fid             *big.Int
	CheckpointTexts []string
	TerminationText string
}

// Clone returns a deep copy of the template.
func (c *ContractInfo) Clone() *ContractInfo {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Fid != nil {
		clone.Fid = new(big.Int).Set(c.Fid)
	}
	clone.CheckpointTexts = append([]string(nil), c.CheckpointTexts...)
	return &clone
}

// Validate checks that the template can be matched against a proof.
func (c *ContractInfo) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil template", ErrMalformedContractInfo)
	}
	if _, err := parseEndpoint(c.Endpoint); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedContractInfo, err)
	}
	if c.Fid == nil || c.Fid.Sign() < 0 {
		return fmt.Errorf("%w: fid required", ErrMalformedContractInfo)
	}
	return nil
}

// EncodeContractInfo renders the template in its ABI form.
func EncodeContractInfo(info *ContractInfo) ([]byte, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	normalized := info.Clone()
	if normalized.CheckpointTexts == nil {
		normalized.CheckpointTexts = []string{}
	}
	encoded, err := contractInfoArguments.Pack(*normalized)
	if err != nil {
		return nil, fmt.Errorf("verifier: encode contract info: %w", err)
	}
	return encoded, nil
}

// DecodeContractInfo parses and validates an ABI encoded template.
func DecodeContractInfo(data []byte) (info *ContractInfo, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedContractInfo)
	}
	defer func() {
		if r := recover(); r != nil {
			info = nil
			err = fmt.Errorf("%w: %v", ErrMalformedContractInfo, r)
		}
	}()
	values, err := contractInfoArguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContractInfo, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: expected one value, got %d", ErrMalformedContractInfo, len(values))
	}
	decoded := abi.ConvertType(values[0], new(ContractInfo)).(*ContractInfo)
	if err := decoded.Validate(); err != nil {
		return nil, err
	}
	return decoded, nil
}

func parseEndpoint(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("endpoint required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("endpoint %q must be absolute", raw)
	}
	return u, nil
}

// targets reports whether u addresses the template's endpoint for its fid.
func (c *ContractInfo) targets(u *url.URL) bool {
	endpoint, err := parseEndpoint(c.Endpoint)
	if err != nil || u == nil {
		return false
	}
	if !strings.EqualFold(endpoint.Scheme, u.Scheme) || !strings.EqualFold(endpoint.Host, u.Host) {
		return false
	}
	if strings.TrimSuffix(endpoint.Path, "/") != strings.TrimSuffix(u.Path, "/") {
		return false
	}
	fids := u.Query()["fid"]
	return len(fids) == 1 && fids[0] == c.Fid.String()
}
