package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambiyansyah-risyal/kurir"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func originServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, r.Method+" "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func allowPolicy(t *testing.T, origin string) string {
	return writeFile(t, "policy.yaml", "routes:\n  - prefix: "+origin+"/\n    action: allow\n")
}

func TestFetchRawOutput(t *testing.T) {
	origin := originServer(t)
	policy := allowPolicy(t, origin.URL)

	out, err := execute(t, "fetch", "--policy", policy, origin.URL+"/a", origin.URL+"/b")
	require.NoError(t, err)
	assert.Equal(t, "GET /aGET /b", out)
}

func TestFetchJSONOutputReportsFailures(t *testing.T) {
	origin := originServer(t)
	policy := allowPolicy(t, origin.URL)

	out, err := execute(t, "fetch", "--policy", policy, "-o", "json", "-X", "post", origin.URL+"/a", origin.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 fetches failed")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var ok, failed fetchOutput
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ok))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failed))
	assert.Equal(t, "POST /a", ok.Payload)
	assert.Equal(t, http.StatusOK, ok.Status)
	assert.Contains(t, failed.Error, "not_found")
}

func TestFetchWireOutput(t *testing.T) {
	origin := originServer(t)
	policy := allowPolicy(t, origin.URL)

	out, err := execute(t, "fetch", "--policy", policy, "-o", "wire", origin.URL+"/a")
	require.NoError(t, err)

	dec := kurir.NewStreamDecoder(strings.NewReader(out), 0)
	var payloads []string
	for res, err := range dec.All() {
		require.NoError(t, err)
		payloads = append(payloads, string(res.Payload))
	}
	assert.Equal(t, []string{"GET /a"}, payloads)
}

func TestFetchDeniedWithoutPolicy(t *testing.T) {
	origin := originServer(t)
	t.Setenv("KURIR_POLICY_DEFAULT_ACTION", "deny")

	_, err := execute(t, "fetch", origin.URL+"/a")
	assert.Error(t, err)
}

func TestFetchRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "fetch", "-o", "xml", "https://example.com/")
	assert.ErrorContains(t, err, "unknown output format")

	_, err = execute(t, "fetch", "-H", "no-colon", "https://example.com/")
	assert.ErrorContains(t, err, "malformed header")
}

const cliPolicy = `
routes:
  - prefix: https://api.example.com/
    action: allow
  - prefix: /legacy/
    action: transform
    rewrite: https://api.example.com/v2/
`

func TestPolicyValidateAndDump(t *testing.T) {
	path := writeFile(t, "policy.yaml", cliPolicy)

	out, err := execute(t, "policy", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 routes OK")

	out, err = execute(t, "policy", "dump", path)
	require.NoError(t, err)
	entries, err := kurir.ParsePolicy([]byte(out))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	bad := writeFile(t, "bad.yaml", "routes:\n  - prefix: /a\n    action: maybe\n")
	_, err = execute(t, "policy", "validate", bad)
	assert.ErrorIs(t, err, kurir.ErrInvalidPolicy)

	_, err = execute(t, "policy", "validate")
	assert.ErrorContains(t, err, "no policy file")
}

func TestPolicyResolve(t *testing.T) {
	path := writeFile(t, "policy.yaml", cliPolicy)

	out, err := execute(t, "policy", "resolve", "/legacy/items?b=2&a=1", path)
	require.NoError(t, err)

	var res struct {
		Matched   bool              `json:"matched"`
		Decision  kurir.PolicyRoute `json:"decision"`
		Rewritten string            `json:"rewritten"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Matched)
	assert.Equal(t, "transform", res.Decision.Action)
	assert.Equal(t, "https://api.example.com/v2/items?a=1&b=2", res.Rewritten)
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, kurir.Version)
}
