// Package ajax talks to the plugin's admin-ajax endpoint: it posts
// form-encoded actions carrying the nonce and decodes the {success, data}
// envelope the PHP handlers answer with.
package ajax

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/metrics"
)

const (
	defaultNonceField = "nonce"
	defaultTimeout    = 30 * time.Second
	maxBodyBytes      = 4 << 20
)

// Config controls the endpoint client.
type Config struct {
	// Endpoint is the absolute admin-ajax.php URL.
	Endpoint string
	// Nonce is forwarded verbatim on every request.
	Nonce string
	// NonceField names the form field carrying the nonce (default "nonce").
	NonceField string
	UserAgent  string
	// Timeout bounds each request; zero means 30s.
	Timeout time.Duration
	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client
	// Limiter, when set, paces every request.
	Limiter Limiter
	Logger  *zap.Logger
}

// Limiter blocks until a request to endpoint may be sent.
type Limiter interface {
	Wait(ctx context.Context, endpoint string) error
}

// Request is a single admin-ajax call.
type Request struct {
	Action string
	Fields url.Values
}

// NewRequest starts a request for action.
func NewRequest(action string) Request {
	return Request{Action: action, Fields: url.Values{}}
}

// With sets a form field and returns the request for chaining.
func (r Request) With(key, value string) Request {
	if r.Fields == nil {
		r.Fields = url.Values{}
	}
	r.Fields.Set(key, value)
	return r
}

// WithInt sets an integer form field.
func (r Request) WithInt(key string, value int64) Request {
	return r.With(key, strconv.FormatInt(value, 10))
}

// Client posts actions to the endpoint. It is safe for concurrent use.
type Client struct {
	endpoint   string
	nonce      string
	nonceField string
	userAgent  string
	http       *http.Client
	limiter    Limiter
	logger     *zap.Logger
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("ajax endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ajax endpoint %q", endpoint)
	}
	nonceField := cfg.NonceField
	if nonceField == "" {
		nonceField = defaultNonceField
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:   endpoint,
		nonce:      cfg.Nonce,
		nonceField: nonceField,
		userAgent:  cfg.UserAgent,
		http:       client,
		limiter:    cfg.Limiter,
		logger:     logger,
	}, nil
}

// Post sends req and decodes the envelope. Any envelope that decodes is
// returned without error, including success=false; callers decide what an
// application failure means. Everything else is a *TransportError.
func (c *Client) Post(ctx context.Context, req Request) (Envelope, error) {
	start := time.Now()
	env, err := c.post(ctx, req)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "transport_error"
	case !env.Success:
		outcome = "rejected"
	}
	metrics.ObserveAJAXRequest(req.Action, outcome, time.Since(start))
	return env, err
}

func (c *Client) post(ctx context.Context, req Request) (Envelope, error) {
	if req.Action == "" {
		return Envelope{}, &TransportError{Err: errors.New("action is required")}
	}
	form := url.Values{}
	for k, v := range req.Fields {
		form[k] = append([]string(nil), v...)
	}
	form.Set("action", req.Action)
	if c.nonce != "" {
		form.Set(c.nonceField, c.nonce)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.endpoint); err != nil {
			return Envelope{}, &TransportError{Action: req.Action, Err: err}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Envelope{}, &TransportError{Action: req.Action, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Envelope{}, &TransportError{Action: req.Action, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Envelope{}, &TransportError{Action: req.Action, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		if strings.TrimSpace(string(body)) == "-1" {
			err = ErrInvalidNonce
		}
		c.logger.Debug("undecodable ajax response",
			zap.String("action", req.Action),
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(body)),
			zap.Error(err),
		)
		return Envelope{}, &TransportError{Action: req.Action, StatusCode: resp.StatusCode, Err: err}
	}
	env.HTTPStatus = resp.StatusCode
	c.logger.Debug("ajax response",
		zap.String("action", req.Action),
		zap.Int("status", resp.StatusCode),
		zap.Bool("success", env.Success),
	)
	return env, nil
}

// Call posts req and converts success=false into an *ApplicationError. It is
// used by the single-shot actions where there is no progress to interpret.
func (c *Client) Call(ctx context.Context, req Request) (*Payload, error) {
	env, err := c.Post(ctx, req)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, &ApplicationError{Action: req.Action, Message: env.Message()}
	}
	if env.Data == nil {
		return &Payload{}, nil
	}
	return env.Data, nil
}
