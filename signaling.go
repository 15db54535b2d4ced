package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const defaultHTTPTimeout = 30 * time.Second

// EphemeralKey is a short-lived credential for one session.
type EphemeralKey struct {
	Value     string
	ExpiresAt time.Time
}

func (k EphemeralKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

type CredentialFetcher interface {
	FetchCredential(ctx context.Context) (EphemeralKey, error)
}

type DescriptorExchanger interface {
	Exchange(ctx context.Context, offer string, key EphemeralKey) (answer string, err error)
}

// SessionResponse is the body returned by the signaling server's session endpoint.
type SessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// HTTPCredentialFetcher obtains ephemeral keys from POST {base}/session.
type HTTPCredentialFetcher struct {
	logger  shared.LoggerAdapter
	client  *fasthttp.Client
	baseURL *url.URL
}

var _ CredentialFetcher = (*HTTPCredentialFetcher)(nil)

func NewHTTPCredentialFetcher(logger shared.LoggerAdapter, signalingURL string) (*HTTPCredentialFetcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(signalingURL)
	if err != nil {
		return nil, fmt.Errorf("parsing signaling URL: %w", err)
	}
	return &HTTPCredentialFetcher{
		logger:  logger.With(zap.String("component", "credentials")),
		client:  &fasthttp.Client{},
		baseURL: u,
	}, nil
}

func (f *HTTPCredentialFetcher) FetchCredential(ctx context.Context) (EphemeralKey, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.baseURL.JoinPath("/session").String())
	req.Header.SetMethod(fasthttp.MethodPost)

	if err := shared.DoContext(ctx, f.client, req, resp, defaultHTTPTimeout); err != nil {
		return EphemeralKey{}, fmt.Errorf("requesting ephemeral key: %v: %w", err, shared.ErrSignaling)
	}
	if !shared.IsSuccess(resp.StatusCode()) {
		return EphemeralKey{}, fmt.Errorf("unexpected status code: %d, body: %s: %w",
			resp.StatusCode(), string(resp.Body()), shared.ErrSignaling)
	}
	var body SessionResponse
	if err := sonic.Unmarshal(resp.Body(), &body); err != nil {
		return EphemeralKey{}, fmt.Errorf("decoding session response: %v: %w", err, shared.ErrSignaling)
	}
	if body.ClientSecret.Value == "" {
		return EphemeralKey{}, fmt.Errorf("session response carries no client secret: %w", shared.ErrSignaling)
	}
	key := EphemeralKey{Value: body.ClientSecret.Value}
	if body.ClientSecret.ExpiresAt > 0 {
		key.ExpiresAt = time.Unix(body.ClientSecret.ExpiresAt, 0)
	}
	f.logger.Debug("ephemeral key obtained", zap.Time("expiresAt", key.ExpiresAt))
	return key, nil
}

// HTTPDescriptorExchanger posts the offer to the realtime endpoint and returns its answer.
type HTTPDescriptorExchanger struct {
	logger  shared.LoggerAdapter
	client  *fasthttp.Client
	baseURL *url.URL
	model   string
}

var _ DescriptorExchanger = (*HTTPDescriptorExchanger)(nil)

func NewHTTPDescriptorExchanger(logger shared.LoggerAdapter, realtimeURL, model string) (*HTTPDescriptorExchanger, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(realtimeURL)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime URL: %w", err)
	}
	return &HTTPDescriptorExchanger{
		logger:  logger.With(zap.String("component", "exchange")),
		client:  &fasthttp.Client{},
		baseURL: u,
		model:   model,
	}, nil
}

func (x *HTTPDescriptorExchanger) endpoint() string {
	u := x.baseURL.JoinPath("/realtime")
	q := u.Query()
	q.Set("model", x.model)
	u.RawQuery = q.Encode()
	return u.String()
}

func (x *HTTPDescriptorExchanger) Exchange(ctx context.Context, offer string, key EphemeralKey) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(x.endpoint())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+key.Value)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offer)

	if err := shared.DoContext(ctx, x.client, req, resp, defaultHTTPTimeout); err != nil {
		return "", fmt.Errorf("posting offer: %v: %w", err, shared.ErrDescriptorExchange)
	}
	if !shared.IsSuccess(resp.StatusCode()) {
		return "", fmt.Errorf("unexpected status code: %d, body: %s: %w",
			resp.StatusCode(), string(resp.Body()), shared.ErrDescriptorExchange)
	}
	answer := string(resp.Body())
	if strings.TrimSpace(answer) == "" {
		return "", fmt.Errorf("empty answer: %w", shared.ErrDescriptorExchange)
	}
	x.logger.Debug("answer received", zap.Int("length", len(answer)))
	return answer, nil
}
