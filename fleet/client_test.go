package fleet

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient builds a Client against srv with a plain (non-retrying) HTTP
// client and a negligible API delay, so failure tests return immediately.
func testClient(srv *httptest.Server, opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = srv.Client()
	}
	if opts.APIDelay == 0 {
		opts.APIDelay = time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewClient(srv.URL, "sekret", opts)
}

func TestClientHeaders(t *testing.T) {
	assert := assert.New(t)

	var gotAuth, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		w.Write([]byte(`{"teams": []}`))
	}))
	defer srv.Close()

	c := testClient(srv, ClientOptions{})
	_, err := c.ListTeams(context.Background())
	assert.NoError(err)
	assert.Equal("Bearer sekret", gotAuth)
	assert.Equal("application/json", gotCT)
}

func TestClientErrorClassification(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "forbidden", "error": "auth"}`))
	}))
	defer srv.Close()

	c := testClient(srv, ClientOptions{})
	_, err := c.ListTeams(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(apiErr.Error(), "403")

	// a non-JSON error body still classifies as an APIError
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>upstream exploded</html>"))
	}))
	defer srv2.Close()

	c2 := testClient(srv2, ClientOptions{})
	_, err = c2.ListTeams(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(http.StatusBadGateway, apiErr.StatusCode)
}

func TestListHostsQuery(t *testing.T) {
	assert := assert.New(t)

	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Write([]byte(`{"hosts": [{"id": 1, "hostname": "laptop-1"}]}`))
	}))
	defer srv.Close()

	c := testClient(srv, ClientOptions{})

	hosts, err := c.ListHosts(context.Background(), 2, 9)
	assert.NoError(err)
	assert.Len(hosts, 1)
	assert.Equal(map[string]string{"page": "2", "per_page": "100", "team_id": "9"}, gotQuery)

	// team 0 means unscoped: no team_id param at all
	_, err = c.ListHosts(context.Background(), 0, 0)
	assert.NoError(err)
	assert.Equal(map[string]string{"page": "0", "per_page": "100"}, gotQuery)
}

func TestTriggerEndpoints(t *testing.T) {
	assert := assert.New(t)

	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv, ClientOptions{})

	assert.NoError(c.RunScript(context.Background(), 12, 34))
	assert.Equal("/scripts/run", gotPath)
	assert.JSONEq(`{"host_id": 12, "script_id": 34}`, gotBody)

	assert.NoError(c.InstallSoftware(context.Background(), 12, 56))
	assert.Equal("/hosts/12/software/56/install", gotPath)
	assert.JSONEq(`{}`, gotBody)
}

func TestDryRunNeverPosts(t *testing.T) {
	assert := assert.New(t)

	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts++
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv, ClientOptions{DryRun: true})

	assert.NoError(c.RunScript(context.Background(), 1, 2))
	assert.NoError(c.InstallSoftware(context.Background(), 1, 3))
	assert.Equal(0, posts)
}

func TestLeveledSlogRemapsLevels(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	shim := leveledSlog{logger}

	// transport retries are logged at DEBUG inside the HTTP client; the
	// shim lifts them to INFO so they show at the default level
	shim.Debug("retrying request", "attempt", 2)
	assert.Contains(buf.String(), "retrying request")
	assert.Contains(buf.String(), `"level":"INFO"`)

	// intermediate failures are WARN, not ERROR, because they get retried
	buf.Reset()
	shim.Error("request failed", "err", "boom")
	assert.Contains(buf.String(), `"level":"WARN"`)
}

func TestRateLimiterSpacesCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"teams": []}`))
	}))
	defer srv.Close()

	delay := 30 * time.Millisecond
	c := testClient(srv, ClientOptions{APIDelay: delay})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.ListTeams(ctx)
		require.NoError(t, err)
	}
	// first call is immediate, the next two wait out the limiter
	assert.GreaterOrEqual(t, time.Since(start), 2*delay)
}
