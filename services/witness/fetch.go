package witness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nagare/proof"
)

// Fetcher performs the HTTP request described by a zk-fetch request.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	allowed  map[string]struct{}
}

// NewFetcher builds a fetcher. An empty allow list permits every host.
func NewFetcher(client *http.Client, timeout time.Duration, maxBytes int64, allowedHosts []string) *Fetcher {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if timeout > 0 {
		clone := *client
		clone.Timeout = timeout
		client = &clone
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	allowed := make(map[string]struct{}, len(allowedHosts))
	for _, host := range allowedHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			allowed[host] = struct{}{}
		}
	}
	return &Fetcher{client: client, maxBytes: maxBytes, allowed: allowed}
}

// Fetch performs req with its public and private headers merged and returns
// the response body.
func (f *Fetcher) Fetch(ctx context.Context, req *proof.FetchRequest) ([]byte, error) {
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[strings.ToLower(target.Hostname())]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, target.Hostname())
		}
	}
	method := strings.ToUpper(strings.TrimSpace(req.PublicOptions.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.PublicOptions.Body != "" {
		body = strings.NewReader(req.PublicOptions.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for k, v := range req.PublicOptions.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.PrivateOptions.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &FetchError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: req.URL, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: req.URL, Status: resp.StatusCode}
	}
	if int64(len(raw)) > f.maxBytes {
		return nil, &FetchError{URL: req.URL, Status: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", f.maxBytes)}
	}
	return raw, nil
}
