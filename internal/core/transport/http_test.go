package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tatsugg/tatsuq/internal/core"
)

func TestHTTPDoSendsCredentialAndResolvesTarget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/guilds/173/rankings/all", r.URL.Path)
		require.Equal(t, "offset=100", r.URL.RawQuery)
		require.Equal(t, "secret-token", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		require.Equal(t, "tatsuq/test", r.Header.Get("User-Agent"))

		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "59")
		w.Header().Set("X-RateLimit-Reset", "1735689660")
		_, _ = w.Write([]byte(`{"guild_id":"173","rankings":[]}`))
	}))
	defer server.Close()

	tr := &HTTP{
		Client:    server.Client(),
		BaseURL:   server.URL + "/v1",
		Token:     "secret-token",
		UserAgent: "tatsuq/test",
	}

	resp, err := tr.Do(context.Background(), core.Get("guilds/173/rankings/all?offset=100"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "59", resp.Header.Get("X-RateLimit-Remaining"))
	require.JSONEq(t, `{"guild_id":"173","rankings":[]}`, string(resp.Body))
}

func TestHTTPDoPassesBodyAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "trace-1", r.Header.Get("X-Trace"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"action":0,"amount":10}`, string(data))

		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"rate limited"}`))
	}))
	defer server.Close()

	tr := &HTTP{Client: server.Client(), BaseURL: server.URL, Token: "tok"}
	header := http.Header{}
	header.Set("X-Trace", "trace-1")
	header.Set("Authorization", "spoofed")

	resp, err := tr.Do(context.Background(), core.Request{
		Method: http.MethodPatch,
		Target: "/guilds/1/members/2/score",
		Header: header,
		Body:   []byte(`{"action":0,"amount":10}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Contains(t, string(resp.Body), "rate limited")
}

func TestHTTPDoBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"padding":"0123456789"}`))
	}))
	defer server.Close()

	tr := &HTTP{Client: server.Client(), BaseURL: server.URL, MaxBodyBytes: 8}
	_, err := tr.Do(context.Background(), core.Get("users/1/profile"))
	require.Error(t, err)
}

func TestHTTPResolveRejectsAbsoluteTargets(t *testing.T) {
	tr := NewHTTP("tok")

	resolved, err := tr.Resolve("users/1/profile")
	require.NoError(t, err)
	require.Equal(t, "https://api.tatsu.gg/v1/users/1/profile", resolved)

	_, err = tr.Resolve("https://evil.example/steal")
	require.Error(t, err)

	resolved, err = tr.Resolve("//evil.example/steal")
	require.NoError(t, err)
	require.Equal(t, "https://api.tatsu.gg/v1/evil.example/steal", resolved)

	_, err = tr.Resolve("  ")
	require.Error(t, err)
}
