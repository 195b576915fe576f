package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout is the default HTTP timeout for completion requests.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultResultTTL is how long fetched candidates stay restorable.
	DefaultResultTTL = time.Hour

	// maxResponseBytes limits a response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// Token field names the completion service may answer a submit with
const (
	KeyDirname  = "dirname"
	KeyFilename = "filename"
)

// ClientOption configures a CompletionClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout  time.Duration
	client   *http.Client
	cacheTTL time.Duration
	logger   *zap.Logger
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		timeout:  DefaultRequestTimeout,
		cacheTTL: DefaultResultTTL,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.client = client
	}
}

// WithResultTTL sets how long candidate payloads are cached.
func WithResultTTL(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.cacheTTL = d
	}
}

// WithClientLogger sets the logger for request tracing.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = l
	}
}

// Submission identifies a submitted job: the server token and the form field
// it was returned under.
type Submission struct {
	Token string `json:"token"`
	Key   string `json:"key"`
}

// CompletionClient speaks the completion service protocol: form POSTs to a
// single endpoint with a "task" discriminator.
type CompletionClient struct {
	endpoint string
	client   *http.Client
	cache    *cache.Cache
	logger   *zap.Logger
}

// NewCompletionClient creates a client for the service at endpoint
func NewCompletionClient(endpoint string, opts ...ClientOption) (*CompletionClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("completion client: endpoint is empty")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("completion client: %w", err)
	}

	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CompletionClient{
		endpoint: endpoint,
		client:   client,
		cache:    cache.New(cfg.cacheTTL, 2*cfg.cacheTTL),
		logger:   logger.Named("completion-client"),
	}, nil
}

// Endpoint returns the service URL
func (c *CompletionClient) Endpoint() string { return c.endpoint }

type submitResponse struct {
	Status   string `json:"status"`
	Dirname  string `json:"dirname"`
	Filename string `json:"filename"`
}

// Submit posts a selection and returns the job token
func (c *CompletionClient) Submit(ctx context.Context, sel PointSet) (Submission, error) {
	data, err := json.Marshal(sel)
	if err != nil {
		return Submission{}, fmt.Errorf("submit: encoding selection: %w", err)
	}

	var resp submitResponse
	if err := c.post(ctx, url.Values{"task": {"submit"}, "data": {string(data)}}, &resp); err != nil {
		return Submission{}, fmt.Errorf("submit: %w", err)
	}
	if resp.Status != "ok" {
		return Submission{}, fmt.Errorf("submit: %w: status %q", ErrTransport, resp.Status)
	}

	switch {
	case resp.Dirname != "":
		return Submission{Token: resp.Dirname, Key: KeyDirname}, nil
	case resp.Filename != "":
		return Submission{Token: resp.Filename, Key: KeyFilename}, nil
	}
	return Submission{}, fmt.Errorf("submit: %w: response carries no token", ErrTransport)
}

// progressValue accepts progress as a JSON number or numeric string
type progressValue float64

func (p *progressValue) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("progress %s: %w", data, err)
	}
	*p = progressValue(v)
	return nil
}

type progressResponse struct {
	Status   string        `json:"status"`
	Progress progressValue `json:"progress"`
}

// Progress returns the job's progress percentage
func (c *CompletionClient) Progress(ctx context.Context, sub Submission) (int, error) {
	key := sub.Key
	if key == "" {
		key = KeyDirname
	}
	var resp progressResponse
	if err := c.post(ctx, url.Values{"task": {"progress"}, key: {sub.Token}}, &resp); err != nil {
		return 0, fmt.Errorf("progress %s: %w", sub.Token, err)
	}
	if resp.Status != "" && resp.Status != "ok" {
		return 0, fmt.Errorf("progress %s: %w: status %q", sub.Token, ErrTransport, resp.Status)
	}
	return int(resp.Progress), nil
}

type candidatesResponse struct {
	Status string        `json:"status"`
	Data   []PlaneParams `json:"data"`
}

// Candidates returns the symmetry plane of every candidate of a finished job
func (c *CompletionClient) Candidates(ctx context.Context, token string) ([]PlaneParams, error) {
	key := candidatesKey(token)
	if v, ok := c.cache.Get(key); ok {
		return v.([]PlaneParams), nil
	}

	var resp candidatesResponse
	if err := c.post(ctx, url.Values{"task": {"get_candidates"}, KeyDirname: {token}}, &resp); err != nil {
		return nil, fmt.Errorf("candidates %s: %w", token, err)
	}
	if resp.Status != "" && resp.Status != "ok" {
		return nil, fmt.Errorf("candidates %s: %w: status %q", token, ErrTransport, resp.Status)
	}
	c.cache.SetDefault(key, resp.Data)
	return resp.Data, nil
}

type resultsResponse struct {
	Status string `json:"status"`
	Data   string `json:"data"`
}

// Results returns the point-set text of candidate i
func (c *CompletionClient) Results(ctx context.Context, token string, i int) (string, error) {
	key := resultsKey(token, i)
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}

	form := url.Values{
		"task":          {"get_results"},
		KeyDirname:      {token},
		"candidate_num": {strconv.Itoa(i)},
	}
	var resp resultsResponse
	if err := c.post(ctx, form, &resp); err != nil {
		return "", fmt.Errorf("results %s/%d: %w", token, i, err)
	}
	if resp.Status != "" && resp.Status != "ok" {
		return "", fmt.Errorf("results %s/%d: %w: status %q", token, i, ErrTransport, resp.Status)
	}
	c.cache.SetDefault(key, resp.Data)
	return resp.Data, nil
}

// Cached reports whether the candidates of token are still in the cache
func (c *CompletionClient) Cached(token string) bool {
	_, ok := c.cache.Get(candidatesKey(token))
	return ok
}

func candidatesKey(token string) string { return "candidates/" + token }

func resultsKey(token string, i int) string { return fmt.Sprintf("results/%s/%d", token, i) }

// post sends one form request and decodes the JSON answer into out. Every
// failure is reported as ErrTransport.
func (c *CompletionClient) post(ctx context.Context, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: creating request: %v", ErrTransport, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrTransport, c.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("completion request",
		zap.String("task", form.Get("task")),
		zap.String("request_id", reqID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: POST %s: status %d", ErrTransport, c.endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrTransport, err)
	}
	return nil
}
