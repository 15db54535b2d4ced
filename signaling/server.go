// Package signaling is the small HTTP service that holds the long-lived provider key and
// hands out short-lived session credentials to voice clients.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"time"

	realtime "github.com/bt-bridge/persona-voice"
	"github.com/bt-bridge/persona-voice/shared"
	"github.com/bytedance/sonic"
	openairt "github.com/openai/openai-go/v3/realtime"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	pathSession = "/session"
	pathHealth  = "/healthz"
	pathMetrics = "/metrics"

	mintTimeout = 30 * time.Second
)

var ErrMint = errors.New("minting session credential failed")

type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	// AllowedOrigins lists browser origins that receive CORS headers.
	AllowedOrigins []string
}

// OptionsFromConfig takes the signaling settings out of the shared configuration.
func OptionsFromConfig(cfg *shared.Config) Options {
	return Options{
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.SessionModel,
		Voice:   cfg.Voice,

		AllowedOrigins: cfg.AllowedOrigins,
	}
}

// mintResponse accepts both the client secrets shape and the legacy sessions shape.
type mintResponse struct {
	Value        string `json:"value"`
	ExpiresAt    int64  `json:"expires_at"`
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

type errorBody struct {
	Error string `json:"error"`
}

type Server struct {
	logger   shared.LoggerAdapter
	opts     Options
	upstream *url.URL
	client   *fasthttp.Client
	metrics  *Metrics
	srv      *fasthttp.Server
}

func NewServer(logger shared.LoggerAdapter, opts Options, metrics *Metrics) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing provider base URL: %w", err)
	}
	if opts.APIKey == "" {
		// The server still starts so health checks work; every mint fails.
		logger.Warn("no provider API key configured")
	}
	s := &Server{
		logger:   logger.With(zap.String("component", "signaling")),
		opts:     opts,
		upstream: u,
		client:   &fasthttp.Client{},
		metrics:  metrics,
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "persona-signaling/" + shared.Version,
		ReadTimeout:  mintTimeout,
		WriteTimeout: mintTimeout,
	}
	return s, nil
}

// Handler routes requests; it is exposed for in-process use and tests.
func (s *Server) Handler() fasthttp.RequestHandler {
	metricsHandler := s.metrics.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		path := string(ctx.Path())
		s.cors(ctx)

		switch {
		case ctx.IsOptions():
			ctx.SetStatusCode(fasthttp.StatusNoContent)
		case path == pathSession && ctx.IsPost():
			s.handleSession(ctx)
		case path == pathHealth && ctx.IsGet():
			ctx.SetContentType("text/plain; charset=utf-8")
			ctx.SetBodyString("ok")
		case path == pathMetrics && ctx.IsGet():
			metricsHandler(ctx)
		default:
			path = "other"
			writeJSON(ctx, fasthttp.StatusNotFound, errorBody{Error: "not found"})
		}

		s.metrics.RecordRequest(path, ctx.Response.StatusCode())
		s.logger.Debug("request served",
			zap.ByteString("method", ctx.Method()),
			zap.String("path", path),
			zap.Int("status", ctx.Response.StatusCode()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) cors(ctx *fasthttp.RequestCtx) {
	origin := string(ctx.Request.Header.Peek("Origin"))
	if origin == "" || !slices.Contains(s.opts.AllowedOrigins, origin) {
		return
	}
	ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
	ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type")
	ctx.Response.Header.Set("Vary", "Origin")
}

func (s *Server) handleSession(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	resp, err := s.mint(ctx)
	if err != nil {
		s.metrics.RecordMint("error", time.Since(start))
		s.logger.Error("creating session", err)
		writeJSON(ctx, fasthttp.StatusInternalServerError, errorBody{Error: "Failed to create session"})
		return
	}
	s.metrics.RecordMint("ok", time.Since(start))
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// mint requests an ephemeral client secret with the long-lived key.
func (s *Server) mint(ctx context.Context) (*realtime.SessionResponse, error) {
	if s.opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %w", shared.ErrNoAPIKey, ErrMint)
	}
	session := openairt.RealtimeSessionCreateRequestParam{
		Model: s.opts.Model,
		Audio: openairt.RealtimeAudioConfigParam{
			Output: openairt.RealtimeAudioConfigOutputParam{
				Voice: openairt.RealtimeAudioConfigOutputVoice(s.opts.Voice),
			},
		},
	}
	sessBytes, err := session.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}
	body := make([]byte, 0, len(sessBytes)+len(`{"session":}`))
	body = append(body, `{"session":`...)
	body = append(body, sessBytes...)
	body = append(body, '}')

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.upstream.JoinPath("/realtime/client_secrets").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+s.opts.APIKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := shared.DoContext(ctx, s.client, req, resp, mintTimeout); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMint)
	}
	if !shared.IsSuccess(resp.StatusCode()) {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s: %w",
			resp.StatusCode(), string(resp.Body()), ErrMint)
	}
	var minted mintResponse
	if err := sonic.Unmarshal(resp.Body(), &minted); err != nil {
		return nil, fmt.Errorf("decoding mint response: %v: %w", err, ErrMint)
	}
	out := new(realtime.SessionResponse)
	switch {
	case minted.Value != "":
		out.ClientSecret.Value, out.ClientSecret.ExpiresAt = minted.Value, minted.ExpiresAt
	case minted.ClientSecret != nil && minted.ClientSecret.Value != "":
		out.ClientSecret.Value, out.ClientSecret.ExpiresAt = minted.ClientSecret.Value, minted.ClientSecret.ExpiresAt
	default:
		return nil, fmt.Errorf("mint response carries no secret: %w", ErrMint)
	}
	return out, nil
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("signaling server listening", zap.String("addr", ln.Addr().String()))
	return s.srv.Serve(ln)
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("signaling server shutting down")
	return s.srv.ShutdownWithContext(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		ctx.Error("encoding response", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
