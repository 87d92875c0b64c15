// Package relayclient is the typed HTTP client for the seven cloud gateway
// endpoints (§4.1, §6). It is stateless apart from baseURL and the device
// token, and is safe to share across the inbound, outbound, and heartbeat
// loops.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/myndhyve/relay-agent/internal/envelope"
	"github.com/myndhyve/relay-agent/internal/logging"
)

const requestTimeout = 30 * time.Second

// Client is the single typed gateway client shared by every loop.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	deviceToken atomic.Pointer[string]
	// limiter throttles steady-state calls (heartbeat/inbound/outbound)
	// to the cloud; register/activate/revoke are user-initiated and
	// unthrottled.
	limiter *rate.Limiter
	log     *logging.Logger
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(20), 20),
		log:        logging.New("RelayClient"),
	}
}

// SetDeviceToken installs the device bearer token obtained from Activate.
// Must only be called during activation, before any loop starts (§5).
func (c *Client) SetDeviceToken(token string) {
	t := token
	c.deviceToken.Store(&t)
	if exp, err := unverifiedExpiry(token); err == nil {
		c.log.Infof("device token installed", "expiresAt", exp)
	}
}

func (c *Client) deviceBearer() (string, error) {
	p := c.deviceToken.Load()
	if p == nil || *p == "" {
		return "", &NoDeviceTokenError{}
	}
	return *p, nil
}

// unverifiedExpiry reads the exp claim from a JWT-shaped device token
// without verifying its signature — the cloud, not the agent, is the
// authority on validity; SetDeviceToken only logs the expiry at info level
// when the token is installed, and nothing warns as expiry approaches.
func unverifiedExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("no exp claim")
	}
	return exp.Time, nil
}

// --- request plumbing -------------------------------------------------

type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, bearer string, body any, out any, query url.Values) error {
	if c.limiter != nil {
		switch path {
		case "/register", "/activate", "/revoke":
		default:
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("relay: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("relay: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &TimeoutError{}
		}
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Err: err}
	}

	if resp.StatusCode >= 300 {
		var eb apiErrorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Error
		if msg == "" {
			msg = eb.Message
		}
		if msg == "" {
			msg = string(data)
		}
		return &ApiError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("relay: decode response: %w", err)
		}
	}
	return nil
}

// --- typed operations ---------------------------------------------------

type RegisterResult struct {
	RelayID                string    `json:"relayId"`
	ActivationCode         string    `json:"activationCode"`
	ActivationCodeExpiresAt time.Time `json:"activationCodeExpiresAt"`
}

func (c *Client) Register(ctx context.Context, channel, label, userIdentityToken string) (RegisterResult, error) {
	var out RegisterResult
	body := map[string]string{"channel": channel, "label": label}
	err := c.do(ctx, http.MethodPost, "/register", userIdentityToken, body, &out, nil)
	return out, err
}

type DeviceMetadata struct {
	OS      string `json:"os,omitempty"`
	Version string `json:"version,omitempty"`
}

type ActivateResult struct {
	DeviceToken               string    `json:"deviceToken"`
	TokenExpiresAt            time.Time `json:"tokenExpiresAt"`
	HeartbeatIntervalSeconds  int       `json:"heartbeatIntervalSeconds"`
	OutboundPollIntervalSeconds int    `json:"outboundPollIntervalSeconds"`
}

func (c *Client) Activate(ctx context.Context, relayID, activationCode, version string, meta DeviceMetadata) (ActivateResult, error) {
	var out ActivateResult
	body := map[string]any{
		"relayId":        relayID,
		"activationCode": activationCode,
		"version":        version,
		"deviceMetadata": meta,
	}
	err := c.do(ctx, http.MethodPost, "/activate", "", body, &out, nil)
	return out, err
}

func (c *Client) Revoke(ctx context.Context, relayID, userIdentityToken, reason string) error {
	body := map[string]string{"relayId": relayID}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, http.MethodPost, "/revoke", userIdentityToken, body, nil, nil)
}

type HeartbeatSnapshot struct {
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	PlatformStatus string `json:"platformStatus,omitempty"`
}

type HeartbeatResult struct {
	OK                      bool `json:"ok"`
	HasPendingOutbound      bool `json:"hasPendingOutbound"`
	HeartbeatIntervalSeconds int `json:"heartbeatIntervalSeconds"`
}

// ErrDeviceRevoked is returned by Heartbeat in place of a 401 response —
// terminal for the calling loop (§4.9, §7 Auth-revoked). The other
// device-token calls return a 401 as a plain *ApiError.
var ErrDeviceRevoked = errors.New("relay: device token revoked")

func (c *Client) Heartbeat(ctx context.Context, relayID string, snapshot HeartbeatSnapshot) (HeartbeatResult, error) {
	var out HeartbeatResult
	bearer, err := c.deviceBearer()
	if err != nil {
		return out, err
	}
	body := map[string]any{"relayId": relayID, "status": snapshot}
	err = c.do(ctx, http.MethodPost, "/heartbeat", bearer, body, &out, nil)
	if apiErr := new(ApiError); errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return out, ErrDeviceRevoked
	}
	return out, err
}

type SendInboundResult struct {
	OK         bool `json:"ok"`
	Dispatched bool `json:"dispatched"`
	Denied     bool `json:"denied,omitempty"`
}

func (c *Client) SendInbound(ctx context.Context, relayID string, env envelope.Ingress) (SendInboundResult, error) {
	var out SendInboundResult
	bearer, err := c.deviceBearer()
	if err != nil {
		return out, err
	}
	body := map[string]any{"relayId": relayID, "envelope": env}
	err = c.do(ctx, http.MethodPost, "/inbound", bearer, body, &out, nil)
	return out, err
}

type outboundListResponse struct {
	Messages []envelope.OutboundMessage `json:"messages"`
}

func (c *Client) PollOutbound(ctx context.Context, relayID string) ([]envelope.OutboundMessage, error) {
	bearer, err := c.deviceBearer()
	if err != nil {
		return nil, err
	}
	var out outboundListResponse
	q := url.Values{"relayId": {relayID}}
	err = c.do(ctx, http.MethodGet, "/outbound", bearer, nil, &out, q)
	return out.Messages, err
}

func (c *Client) AckOutbound(ctx context.Context, ack envelope.DeliveryAck) error {
	bearer, err := c.deviceBearer()
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/ack", bearer, ack, nil, nil)
}
