package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nagare/gateway/auth"
	"nagare/proof"
)

const maxAttestationBytes = 1 << 20

// AttesterClient calls a zk-fetch attester over HTTP.
type AttesterClient struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client
}

// NewAttesterClient returns a client for the attester at baseURL. Requests
// are signed with appSecret when appID is set.
func NewAttesterClient(baseURL, appID, appSecret string, client *http.Client) *AttesterClient {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &AttesterClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appID:     appID,
		appSecret: appSecret,
		client:    client,
	}
}

// ZKFetch asks the attester to fetch and sign req.
func (a *AttesterClient) ZKFetch(ctx context.Context, req *proof.FetchRequest) (*proof.Attestation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+proof.ZKFetchPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.appID != "" {
		auth.Sign(httpReq, a.appID, a.appSecret, body, time.Now())
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAttestationBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("attester status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("attester status %d", resp.StatusCode)
	}
	var att proof.Attestation
	if err := json.Unmarshal(raw, &att); err != nil {
		return nil, fmt.Errorf("decode attestation: %w", err)
	}
	return &att, nil
}
