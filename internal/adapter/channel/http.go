package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/middleware"
	"github.com/gaiin-platform/amplify-gateway/internal/usecase"
)

// Authenticator turns an inbound request into a verified principal. Token
// validation happens upstream of the core; implementations only surface the
// already-verified identity.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Principal, error)
}

// HTTPChannel serves the streaming chat API over HTTP with SSE responses.
type HTTPChannel struct {
	gateway *usecase.Gateway
	auth    Authenticator
	cfg     config.ServerConfig
	logger  *slog.Logger

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewHTTPChannel creates the ingress server.
func NewHTTPChannel(gateway *usecase.Gateway, auth Authenticator, cfg config.ServerConfig, logger *slog.Logger) *HTTPChannel {
	return &HTTPChannel{
		gateway: gateway,
		auth:    auth,
		cfg:     cfg,
		logger:  logger,
	}
}

// Routes builds the chi router with middleware.
func (h *HTTPChannel) Routes(ctx context.Context) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RateLimit(ctx, h.cfg.RateLimitPerMin, h.cfg.RateLimitBurst))

	r.Post("/api/v1/chat", h.handleChat)
	r.Get("/api/v1/available_models", h.handleAvailableModels)
	r.Get("/api/v1/model_aliases", h.handleModelAliases)
	r.Get("/api/v1/models_with_aliases", h.handleModelsWithAliases)
	r.Get("/healthz", h.handleHealth)

	return r
}

func (h *HTTPChannel) allowedOrigins() []string {
	if len(h.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return h.cfg.AllowedOrigins
}

// Start begins serving. Non-blocking.
func (h *HTTPChannel) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	h.server = &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           h.Routes(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       h.cfg.ParseTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}
	h.boundAddr = ln.Addr().String()

	go func() {
		h.logger.Info("http channel started", "addr", h.boundAddr)
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, draining in-flight streams.
func (h *HTTPChannel) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Addr returns the bound listen address (set after Start).
func (h *HTTPChannel) Addr() string { return h.boundAddr }

func (h *HTTPChannel) handleChat(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	var event chatEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	// Control request: kill switch.
	if event.KillSwitch != nil {
		status := h.gateway.HandleKillSwitch(principal, event.KillSwitch.RequestID, event.KillSwitch.Value)
		writeJSON(w, status, map[string]string{"status": http.StatusText(status)})
		return
	}

	// Data-source request: enumerate a resolved source through the same
	// endpoint.
	if event.DataSourceRequest != nil {
		h.handleDataSourceRequest(w, r, principal, event.DataSourceRequest)
		return
	}

	if len(event.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages, killSwitch, or datasourceRequest required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	status, body := h.gateway.HandleChat(r.Context(), principal, event.toChatRequest(), sink)

	// Pre-stream failures (auth, limiter, duplicate request) never touched
	// the sink and surface as plain JSON with their status code. Failures
	// after the stream started already carry a terminal event.
	if !sink.Started() {
		if body == nil {
			body = map[string]string{"status": http.StatusText(status)}
		}
		writeJSON(w, status, body)
	}
}

func (h *HTTPChannel) handleDataSourceRequest(w http.ResponseWriter, r *http.Request, principal domain.Principal, req *wireSourceRequest) {
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "datasourceRequest.id required"})
		return
	}
	owner, err := domain.ExtractOwner(req.ID)
	if err != nil || owner != principal.UserID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "data source access denied"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    req.ID,
		"owner": owner,
	})
}

func (h *HTTPChannel) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	catalog, err := h.gateway.Registry().UserAvailableModels(r.Context(), principal.UserID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":           catalog.ModelsByID,
		"cheapest":         catalog.Cheapest,
		"advanced":         catalog.Advanced,
		"document_caching": catalog.DocumentCaching,
	})
}

func (h *HTTPChannel) handleModelAliases(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aliases": h.gateway.Registry().Aliases()})
}

func (h *HTTPChannel) handleModelsWithAliases(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	catalog, err := h.gateway.Registry().UserAvailableModels(r.Context(), principal.UserID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  catalog.ModelsByID,
		"aliases": h.gateway.Registry().Aliases(),
	})
}

func (h *HTTPChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
