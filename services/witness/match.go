package witness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"nagare/proof"
)

// ExtractMatches applies every response match to body and returns the
// extracted parameters. Any match that selects nothing fails the whole set.
func ExtractMatches(body []byte, matches []proof.ResponseMatch) (map[string]string, error) {
	extracted := make(map[string]string)
	var doc interface{}
	var parsed bool
	for i, m := range matches {
		switch m.Type {
		case proof.MatchJSONPath:
			if !parsed {
				dec := json.NewDecoder(bytes.NewReader(body))
				dec.UseNumber()
				if err := dec.Decode(&doc); err != nil {
					return nil, fmt.Errorf("%w: body is not json: %v", ErrMatchFailed, err)
				}
				parsed = true
			}
			value, err := lookupPath(doc, m.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: match %d: %v", ErrMatchFailed, i, err)
			}
			extracted[m.Name] = value
		case proof.MatchRegex:
			re, err := regexp.Compile(m.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: match %d: %v", ErrInvalidRequest, i, err)
			}
			groups := re.FindSubmatch(body)
			if groups == nil {
				return nil, fmt.Errorf("%w: match %d: pattern not found", ErrMatchFailed, i)
			}
			named := false
			for j, name := range re.SubexpNames() {
				if j == 0 || name == "" {
					continue
				}
				extracted[name] = string(groups[j])
				named = true
			}
			if !named && m.Name != "" {
				extracted[m.Name] = string(groups[0])
			}
		default:
			return nil, fmt.Errorf("%w: match %d type %q", ErrInvalidRequest, i, m.Type)
		}
	}
	return extracted, nil
}

// lookupPath walks a dot separated path; numeric segments index arrays.
func lookupPath(doc interface{}, path string) (string, error) {
	cur := doc
	for _, seg := range strings.Split(strings.TrimPrefix(path, "$."), ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return "", fmt.Errorf("path %q: missing %q", path, seg)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", fmt.Errorf("path %q: bad index %q", path, seg)
			}
			cur = node[idx]
		default:
			return "", fmt.Errorf("path %q: %q is not a container", path, seg)
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", fmt.Errorf("path %q: null value", path)
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
