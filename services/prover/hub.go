package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	castTextPath      = "data.castAddBody.text"
	headerHubAPIKey   = "x-api-key"
	maxHubBodyBytes   = 1 << 20
	castByIDPath      = "/v1/castById"
	castHashQueryName = "hash"
	fidQueryName      = "fid"
)

// HubClient reads casts from a Farcaster hub HTTP API.
type HubClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHubClient returns a client for baseURL. A nil client uses an
// instrumented default.
func NewHubClient(baseURL, apiKey string, client *http.Client) *HubClient {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HubClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

// CastURL is the resource both the pipeline and the attester fetch.
func (h *HubClient) CastURL(castHash string, fid uint64) string {
	q := url.Values{}
	q.Set(castHashQueryName, castHash)
	q.Set(fidQueryName, strconv.FormatUint(fid, 10))
	return h.baseURL + castByIDPath + "?" + q.Encode()
}

// PrivateHeaders are the credentials the attester must send but not disclose.
func (h *HubClient) PrivateHeaders() map[string]string {
	if h.apiKey == "" {
		return nil
	}
	return map[string]string{headerHubAPIKey: h.apiKey}
}

type castResponse struct {
	Data struct {
		CastAddBody struct {
			Text *string `json:"text"`
		} `json:"castAddBody"`
	} `json:"data"`
}

// FetchCastText returns the text of the cast. A cast without text yields the
// empty string.
func (h *HubClient) FetchCastText(ctx context.Context, castHash string, fid uint64) (string, error) {
	target := h.CastURL(castHash, fid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &UpstreamFetchError{URL: target, Err: err}
	}
	req.Header.Set("accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set(headerHubAPIKey, h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", &UpstreamFetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHubBodyBytes))
		return "", &UpstreamFetchError{URL: target, Status: resp.StatusCode}
	}
	var payload castResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHubBodyBytes)).Decode(&payload); err != nil {
		return "", &UpstreamFetchError{URL: target, Status: resp.StatusCode, Err: fmt.Errorf("decode cast: %w", err)}
	}
	if payload.Data.CastAddBody.Text == nil {
		return "", nil
	}
	return *payload.Data.CastAddBody.Text, nil
}
