package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tatsugg/tatsuq/internal/core"
)

const (
	// DefaultBaseURL is the versioned Tatsu API root.
	DefaultBaseURL = "https://api.tatsu.gg/v1/"

	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 4 << 20
)

// HTTP performs scheduler requests against the remote API.
type HTTP struct {
	Client       *http.Client
	BaseURL      string
	Token        string
	UserAgent    string
	Header       http.Header
	MaxBodyBytes int64
}

// NewHTTP returns a transport for token using the default base URL.
func NewHTTP(token string) *HTTP {
	return &HTTP{
		Client:  &http.Client{Timeout: defaultTimeout},
		BaseURL: DefaultBaseURL,
		Token:   token,
	}
}

// Do sends req and returns the status, headers and full body. Non-2xx
// statuses are not errors at this layer.
func (t *HTTP) Do(ctx context.Context, req core.Request) (*core.Response, error) {
	if t == nil {
		return nil, errors.New("http transport is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := t.Resolve(req.Target)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for key, values := range t.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	for key, values := range req.Header {
		httpReq.Header.Del(key)
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(t.UserAgent); ua != "" {
		httpReq.Header.Set("User-Agent", ua)
	}
	// The credential always wins over caller supplied headers.
	if token := strings.TrimSpace(t.Token); token != "" {
		httpReq.Header.Set("Authorization", token)
	}

	resp, err := t.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	limit := t.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}

	return &core.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// Resolve joins target onto the base URL. Absolute targets are rejected so
// the credential is only ever sent to the configured host.
func (t *HTTP) Resolve(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.New("request target is required")
	}

	base := strings.TrimSpace(t.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}

	ref, err := url.Parse(strings.TrimLeft(target, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid request target %q: %w", target, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("request target %q must be relative to the api base", target)
	}

	return baseURL.ResolveReference(ref).String(), nil
}

func (t *HTTP) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}
