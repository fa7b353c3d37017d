// Package api wraps the backend HTTP contract: response envelopes, bearer
// tokens, one refresh-and-retry on 401, and the streamed send.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenStore
	// OnSignOut runs once credentials are found unusable after a refresh attempt.
	OnSignOut  func()
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

type Client struct {
	baseURL   string
	hc        *http.Client
	tokens    TokenStore
	onSignOut func()
	log       zerolog.Logger

	refreshGroup singleflight.Group

	requests  *prometheus.CounterVec
	refreshes *prometheus.CounterVec
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewMemoryTokenStore(Tokens{})
	}
	factory := promauto.With(opts.Registerer)
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		hc:        hc,
		tokens:    tokens,
		onSignOut: opts.OnSignOut,
		log:       opts.Logger.With().Str("component", "api").Logger(),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Backend requests by method and outcome.",
		}, []string{"method", "outcome"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "api_token_refresh_total",
			Help: "Access token refresh attempts by outcome.",
		}, []string{"outcome"}),
	}
}

func (c *Client) Tokens() TokenStore { return c.tokens }

// request is a replayable call description.
type request struct {
	method string
	path   string
	body   []byte
	accept string
	// noAuth skips the bearer header and the 401 refresh policy.
	noAuth bool
}

func (c *Client) newHTTPRequest(ctx context.Context, r request) (*http.Request, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, err
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if !r.noAuth {
		if tok := c.tokens.Tokens().AccessToken; tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

// send performs r and returns a 2xx response. On 401 it refreshes the
// access token once and replays; a second 401 signs the user out.
func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	resp, err := c.roundTrip(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || r.noAuth {
		return c.checkStatus(r, resp)
	}
	drain(resp)

	if err := c.refresh(ctx); err != nil {
		c.signOut()
		c.requests.WithLabelValues(r.method, "unauthorized").Inc()
		return nil, &Error{Status: http.StatusUnauthorized, Code: CodeUnauth, Message: "session expired", Err: err}
	}

	resp, err = c.roundTrip(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.signOut()
	}
	return c.checkStatus(r, resp)
}

func (c *Client) roundTrip(ctx context.Context, r request) (*http.Response, error) {
	req, err := c.newHTTPRequest(ctx, r)
	if err != nil {
		return nil, &Error{Code: CodeValidation, Message: err.Error(), Err: err}
	}
	hc := c.hc
	if r.accept == "text/event-stream" && hc.Timeout > 0 {
		// streams outlive the client timeout; ctx controls them
		cp := *hc
		cp.Timeout = 0
		hc = &cp
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.requests.WithLabelValues(r.method, "network").Inc()
		return nil, transportError(err)
	}
	return resp, nil
}

func (c *Client) checkStatus(r request, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.requests.WithLabelValues(r.method, "ok").Inc()
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := statusError(resp.StatusCode, body)
	c.requests.WithLabelValues(r.method, strings.ToLower(apiErr.Code)).Inc()
	c.log.Debug().
		Str("method", r.method).
		Str("path", r.path).
		Int("status", resp.StatusCode).
		Str("code", apiErr.Code).
		Msg("request failed")
	return nil, apiErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

var errNoRefreshToken = errors.New("no refresh token")

// refresh shares one in-flight refresh between concurrent 401s.
func (c *Client) refresh(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		rt := c.tokens.Tokens().RefreshToken
		if rt == "" {
			c.refreshes.WithLabelValues("missing").Inc()
			return nil, errNoRefreshToken
		}
		var out Tokens
		err := c.call(ctx, request{method: http.MethodPost, path: "/auth/refresh", noAuth: true},
			map[string]string{"refreshToken": rt}, &out)
		if err != nil {
			c.refreshes.WithLabelValues("failed").Inc()
			return nil, err
		}
		if out.RefreshToken == "" {
			out.RefreshToken = rt
		}
		c.tokens.SetTokens(out)
		c.refreshes.WithLabelValues("ok").Inc()
		c.log.Debug().Msg("access token refreshed")
		return nil, nil
	})
	return err
}

func (c *Client) signOut() {
	c.tokens.Clear()
	c.log.Info().Msg("credentials rejected, signing out")
	if c.onSignOut != nil {
		c.onSignOut()
	}
}

// call marshals in, performs the request and unwraps the envelope into out.
func (c *Client) call(ctx context.Context, r request, in any, out any) error {
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Code: CodeValidation, Message: err.Error(), Err: err}
		}
		r.body = b
	}
	resp, err := c.send(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &Error{Status: resp.StatusCode, Code: CodeDecode, Message: "malformed response", Err: err}
	}
	if !env.Success {
		if env.Error != nil {
			return &Error{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message, Details: env.Error.Details}
		}
		return &Error{Status: resp.StatusCode, Code: CodeDecode, Message: "unsuccessful response without error"}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Status: resp.StatusCode, Code: CodeDecode, Message: "malformed data", Err: err}
	}
	return nil
}
