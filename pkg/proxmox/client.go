package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/metrics"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Timeouts bounds the wait for each asynchronous verb
type Timeouts struct {
	Clone   time.Duration
	Config  time.Duration
	Start   time.Duration
	Stop    time.Duration
	Reboot  time.Duration
	Destroy time.Duration
}

// DefaultTimeouts are the task bounds used unless overridden
var DefaultTimeouts = Timeouts{
	Clone:   3600 * time.Second,
	Config:  60 * time.Second,
	Start:   60 * time.Second,
	Stop:    60 * time.Second,
	Reboot:  120 * time.Second,
	Destroy: 300 * time.Second,
}

// Options configures a Client
type Options struct {
	BaseURL            string // https://pve1:8006
	User               string // user@realm
	TokenID            string
	TokenSecret        string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	RetryMax           int
	RetryWaitMin       time.Duration
	RetryWaitMax       time.Duration
	Timeouts           Timeouts
}

// OptionsFromConfig maps the proxmox config section onto client options
func OptionsFromConfig(cfg config.ProxmoxConfig) Options {
	return Options{
		BaseURL:            cfg.URL,
		User:               cfg.User,
		TokenID:            cfg.TokenID,
		TokenSecret:        cfg.TokenSecret,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RequestTimeout:     cfg.RequestTimeout,
		PollInterval:       cfg.PollInterval,
		RetryMax:           cfg.RetryMax,
		RetryWaitMin:       cfg.RetryWaitMin,
		RetryWaitMax:       cfg.RetryWaitMax,
		Timeouts:           DefaultTimeouts,
	}
}

// Client talks to the Proxmox VE REST API. It holds no state beyond its
// connection settings and is safe for concurrent use.
type Client struct {
	http         *retryablehttp.Client
	baseURL      string
	apiURL       string
	authHeader   string
	pollInterval time.Duration
	timeouts     Timeouts
	logger       zerolog.Logger
}

// NewClient builds a client from opts
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("proxmox base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid proxmox base URL: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts
	}

	logger := log.WithComponent("proxmox")

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger: logger}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			metrics.GatewayRetriesTotal.Inc()
		}
	}
	rc.HTTPClient.Timeout = opts.RequestTimeout
	if transport, ok := rc.HTTPClient.Transport.(*http.Transport); ok && opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- self-signed PVE certificates
	}

	return &Client{
		http:         rc,
		baseURL:      base,
		apiURL:       base + "/api2/json",
		authHeader:   fmt.Sprintf("PVEAPIToken=%s!%s=%s", opts.User, opts.TokenID, opts.TokenSecret),
		pollInterval: opts.PollInterval,
		timeouts:     opts.Timeouts,
		logger:       logger,
	}, nil
}

// checkRetry retries transport errors and 5xx responses. 4xx responses are
// definitive and returned to the caller.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusNotImplemented {
		return true, nil
	}
	return false, nil
}

// envelope is the wrapper around every Proxmox API response body
type envelope struct {
	Data   json.RawMessage   `json:"data"`
	Errors map[string]string `json:"errors,omitempty"`
}

// do sends one API request and decodes the "data" member into out.
// form values are sent as a urlencoded body for POST/PUT and as the query
// string otherwise.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	op := method + " " + path
	target := c.apiURL + path

	var body io.Reader
	if len(form) > 0 {
		if method == http.MethodPost || method == http.MethodPut {
			body = strings.NewReader(form.Encode())
		} else {
			target += "?" + form.Encode()
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(method, "error").Inc()
		if ctx.Err() != nil {
			return errdefs.Wrap(errdefs.ErrTimeout, op, ctx.Err())
		}
		return errdefs.Wrap(errdefs.ErrHypervisorUnavailable, op, err)
	}
	defer resp.Body.Close()

	metrics.GatewayRequestsTotal.WithLabelValues(method, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errdefs.Wrap(errdefs.ErrHypervisorUnavailable, op, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return errdefs.Wrap(errdefs.ErrHypervisorUnavailable, op, statusError(resp, data))
	case resp.StatusCode >= 400:
		return errdefs.Wrap(errdefs.ErrRemoteRejected, op, statusError(resp, data))
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errdefs.Wrap(errdefs.ErrHypervisorUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errdefs.Wrap(errdefs.ErrHypervisorUnavailable, op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func statusError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(resp.Status)
	var env envelope
	if json.Unmarshal(body, &env) == nil && len(env.Errors) > 0 {
		parts := make([]string, 0, len(env.Errors))
		for field, text := range env.Errors {
			parts = append(parts, field+": "+strings.TrimSpace(text))
		}
		return fmt.Errorf("%s (%s)", msg, strings.Join(parts, "; "))
	}
	return errors.New(msg)
}

// ConsoleURL builds the noVNC console URL for a ticket
func (c *Client) ConsoleURL(node string, vmid int, t *VNCTicket) string {
	q := url.Values{}
	q.Set("console", "kvm")
	q.Set("novnc", "1")
	q.Set("node", node)
	q.Set("vmid", fmt.Sprint(vmid))
	q.Set("port", fmt.Sprint(int(t.Port)))
	q.Set("vncticket", t.Ticket)
	return c.baseURL + "/?" + q.Encode()
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
