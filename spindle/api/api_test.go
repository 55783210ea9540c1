package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/secrets"
)

const token = "s3cret-token"

func newTestApi(t *testing.T) *httptest.Server {
	t.Helper()

	m, err := secrets.NewSQLiteManager(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	a := &Api{Logger: log.Discard(), Secrets: m, Token: token}
	ts := httptest.NewServer(a.Router())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body, auth string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestVerifyToken(t *testing.T) {
	ts := newTestApi(t)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, http.MethodGet, "/secrets", "", tt.auth)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestEmptyTokenRejectsEverything(t *testing.T) {
	a := &Api{Logger: log.Discard()}
	ts := httptest.NewServer(a.Router())
	defer ts.Close()

	resp := do(t, ts, http.MethodGet, "/secrets", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSecretsLifecycle(t *testing.T) {
	ts := newTestApi(t)

	resp := do(t, ts, http.MethodPost, "/secrets", `{"key":"DEPLOY_TOKEN","value":"abc"}`, token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/secrets", `{"key":"DEPLOY_TOKEN","value":"def"}`, token)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/secrets", `{"key":"not-valid","value":"x"}`, token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "InvalidKey", e.Tag)

	resp = do(t, ts, http.MethodGet, "/secrets", "", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []SecretOutput
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, "DEPLOY_TOKEN", out[0].Key)

	resp = do(t, ts, http.MethodDelete, "/secrets/DEPLOY_TOKEN", "", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodDelete, "/secrets/DEPLOY_TOKEN", "", token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "Auth: missing or invalid token", AuthError.Error())
	assert.Equal(t, "Bare", NewError(WithTag("Bare")).Error())
}
