// Package gateway is the HTTP backend a dashboard uses to talk to the
// hosted text-generation endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
)

// Invoker calls the hosted endpoint.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req api.GenerateRequest) (api.GenerateResponse, error)
	Status(ctx context.Context, endpoint string) (api.EndpointStatus, error)
}

// Config holds gateway settings.
type Config struct {
	Addr     string
	Endpoint string
	// InvokeTimeout bounds a single endpoint invocation.
	InvokeTimeout time.Duration
}

// Server serves the generate, websocket, health and metrics routes.
type Server struct {
	cfg      Config
	invoker  Invoker
	mux      *http.ServeMux
	metrics  *Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a gateway for cfg.Endpoint.
func NewServer(cfg Config, invoker Invoker, logger zerolog.Logger) *Server {
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		invoker: invoker,
		mux:     http.NewServeMux(),
		metrics: NewMetrics(),
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s
}

// Metrics returns the request metrics collector.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the fully wrapped handler: tracing, then logging, then
// metrics.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.loggingMiddleware(MetricsMiddleware(s.metrics, s.mux)), "smdash-gateway")
}

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 2 * s.cfg.InvokeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Str("endpoint", s.cfg.Endpoint).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if err := ReadJSON(r, &req); err != nil {
		WriteError(w, &api.InvalidParameterError{Message: "invalid request body: " + err.Error()})
		return
	}
	resp, err := s.generate(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.invoker.Status(r.Context(), s.cfg.Endpoint)
	if err != nil {
		if api.IsNotFound(err) {
			WriteJSON(w, http.StatusServiceUnavailable, api.HealthResponse{
				Status:   "unavailable",
				Endpoint: api.EndpointStatus{Name: s.cfg.Endpoint, Status: "NotFound"},
			})
			return
		}
		WriteError(w, err)
		return
	}
	if !st.InService() {
		WriteJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable", Endpoint: st})
		return
	}
	WriteJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Endpoint: st})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleWebSocket treats each text message as a prompt. A message that is a
// JSON object is decoded as a full GenerateRequest. Every message gets one
// JSON reply: a GenerateResponse or an ErrorResponse.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		req := api.GenerateRequest{Prompt: string(data)}
		if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
			if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
				s.writeWS(conn, api.ErrorResponse{Message: "invalid request: " + err.Error()})
				continue
			}
		}

		start := time.Now()
		resp, err := s.generate(r.Context(), req)
		status := http.StatusOK
		if err != nil {
			status = api.HTTPStatus(err)
		}
		s.metrics.Record("WS", r.URL.Path, status, time.Since(start))
		if err != nil {
			s.writeWS(conn, api.ErrorResponse{Message: err.Error()})
			continue
		}
		s.writeWS(conn, resp)
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) {
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Debug().Err(err).Msg("websocket write error")
	}
}

func (s *Server) generate(ctx context.Context, req api.GenerateRequest) (api.GenerateResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return api.GenerateResponse{}, &api.InvalidParameterError{Message: "prompt is required"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvokeTimeout)
	defer cancel()
	return s.invoker.Invoke(ctx, s.cfg.Endpoint, req)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrapWriter(w)
		next.ServeHTTP(rw, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("dur", time.Since(start)).
			Msg("request")
	})
}
