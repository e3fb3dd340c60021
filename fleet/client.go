package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// DefaultAPIDelay is the minimum spacing between consecutive API calls.
const DefaultAPIDelay = 300 * time.Millisecond

// HostsPerPage is the fixed page size used when paginating hosts.
const HostsPerPage = 100

// APIError is returned for any non-2xx response from the server, after the
// transport-level retries inside the HTTP client are exhausted.
type APIError struct {
	StatusCode int
	Wrapped    error
}

func (e *APIError) Error() string {
	if e.Wrapped == nil {
		return fmt.Sprintf("fleet API error %d", e.StatusCode)
	}
	return fmt.Sprintf("fleet API error %d: %s", e.StatusCode, e.Wrapped)
}

func (e *APIError) Unwrap() error {
	return e.Wrapped
}

type serverError struct {
	Message string `json:"message"`
	Err     string `json:"error"`
}

func (se *serverError) Error() string {
	if se.Message != "" && se.Err != "" {
		return fmt.Sprintf("%s: %s", se.Err, se.Message)
	}
	if se.Message != "" {
		return se.Message
	}
	return se.Err
}

type leveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l leveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// re-writes HTTP client DEBUG to INFO level (this is where retry is logged)
func (l leveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// robustHTTPClient returns a stdlib *http.Client with retryablehttp logic
// inside: it retries connection errors, 5xx (except 501), and 429 with
// bounded waits before the caller ever sees an error.
func robustHTTPClient(logger *slog.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{logger})
	client := retryClient.StandardClient()
	client.Timeout = 30 * time.Second
	return client
}

// Client talks to the Fleet server REST API.
type Client struct {
	host    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	dryRun  bool
	log     *slog.Logger
}

// ClientOptions configure a Client beyond the required host and token.
type ClientOptions struct {
	// HTTPClient overrides the default retrying client. Mostly for tests.
	HTTPClient *http.Client
	// APIDelay is the minimum spacing between API calls; zero means
	// DefaultAPIDelay.
	APIDelay time.Duration
	// DryRun suppresses all state-changing calls; triggers are logged
	// instead of sent.
	DryRun bool
	Logger *slog.Logger
}

func NewClient(host, token string, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = robustHTTPClient(logger)
	}
	delay := opts.APIDelay
	if delay <= 0 {
		delay = DefaultAPIDelay
	}
	return &Client{
		host:    strings.TrimRight(host, "/"),
		token:   token,
		http:    hc,
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		dryRun:  opts.DryRun,
		log:     logger,
	}
}

func userAgent() string {
	return "fleet-policy-retry/" + versioninfo.Short()
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, bodyobj, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if bodyobj != nil {
		b, err := json.Marshal(bodyobj)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	uri := c.host + path
	if len(params) > 0 {
		uri += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var se serverError
		if err := json.NewDecoder(resp.Body).Decode(&se); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Wrapped: fmt.Errorf("failed to decode error body: %w", err)}
		}
		return &APIError{StatusCode: resp.StatusCode, Wrapped: &se}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

// post sends a state-changing request. In dry-run mode it logs the intent
// and returns nil without touching the network.
func (c *Client) post(ctx context.Context, path string, bodyobj, out interface{}) error {
	if c.dryRun {
		c.log.Info("dry-run: skipping POST", "path", path)
		return nil
	}
	return c.do(ctx, http.MethodPost, path, nil, bodyobj, out)
}

// ListTeams fetches all teams.
func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var resp teamsResponse
	if err := c.get(ctx, "/teams", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

// ListTeamPolicies fetches the policies of one team.
func (c *Client) ListTeamPolicies(ctx context.Context, teamID uint) ([]Policy, error) {
	var resp policiesResponse
	path := fmt.Sprintf("/teams/%d/policies", teamID)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Policies, nil
}

// ListGlobalPolicies fetches policies of the ungrouped (no team) scope.
func (c *Client) ListGlobalPolicies(ctx context.Context) ([]Policy, error) {
	var resp policiesResponse
	if err := c.get(ctx, "/policies", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Policies, nil
}

// ListHosts fetches one page of hosts. Pages are 0-indexed. teamID 0 means
// no team scoping. An empty slice means the page is past the end.
func (c *Client) ListHosts(ctx context.Context, page int, teamID uint) ([]Host, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(HostsPerPage))
	if teamID != 0 {
		params.Set("team_id", strconv.FormatUint(uint64(teamID), 10))
	}
	var resp hostsResponse
	if err := c.get(ctx, "/hosts", params, &resp); err != nil {
		return nil, err
	}
	return resp.Hosts, nil
}

type runScriptRequest struct {
	HostID   uint `json:"host_id"`
	ScriptID uint `json:"script_id"`
}

// RunScript triggers execution of a saved script on a host. Only the
// acceptance of the trigger is reported; script outcome is not tracked.
func (c *Client) RunScript(ctx context.Context, hostID, scriptID uint) error {
	return c.post(ctx, "/scripts/run", &runScriptRequest{HostID: hostID, ScriptID: scriptID}, nil)
}

// InstallSoftware triggers installation of a software title on a host.
func (c *Client) InstallSoftware(ctx context.Context, hostID, softwareTitleID uint) error {
	path := fmt.Sprintf("/hosts/%d/software/%d/install", hostID, softwareTitleID)
	return c.post(ctx, path, struct{}{}, nil)
}
