package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/ratelimit/models"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/httputil"
	"trustledger/pkg/requestcontext"
)

// Service is the limiter surface used by the admin endpoints.
type Service interface {
	SetConfig(ctx context.Context, caller id.WalletAddress, surface models.Surface, cfg *models.Config) error
	GetConfig(ctx context.Context, surface models.Surface) (*models.Config, error)
	State(ctx context.Context, surface models.Surface, key string) (*models.WindowState, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdmin mounts circuit breaker administration. The router is
// expected to already require authentication.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Put("/admin/circuit-breakers/{surface}", h.HandleSetConfig)
	r.Get("/admin/circuit-breakers/{surface}", h.HandleGetConfig)
	r.Get("/admin/circuit-breakers/{surface}/windows/{key}", h.HandleGetWindow)
}

// HandleSetConfig handles PUT /admin/circuit-breakers/{surface}.
func (h *Handler) HandleSetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	caller := requestcontext.Caller(ctx)
	if caller.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	surface, err := models.ParseSurface(chi.URLParam(r, "surface"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid surface"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[models.SetConfigRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	cfg, err := req.ToConfig()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.service.SetConfig(ctx, caller, surface, cfg); err != nil {
		h.logger.WarnContext(ctx, "set circuit breaker config failed",
			"request_id", requestID,
			"surface", surface,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.ToConfigResponse(surface, cfg))
}

// HandleGetConfig handles GET /admin/circuit-breakers/{surface}.
func (h *Handler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	surface, err := models.ParseSurface(chi.URLParam(r, "surface"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid surface"))
		return
	}

	cfg, err := h.service.GetConfig(r.Context(), surface)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ToConfigResponse(surface, cfg))
}

// HandleGetWindow handles GET /admin/circuit-breakers/{surface}/windows/{key}.
func (h *Handler) HandleGetWindow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	surface, err := models.ParseSurface(chi.URLParam(r, "surface"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid surface"))
		return
	}
	key := chi.URLParam(r, "key")
	if wallet, err := id.ParseWalletAddress(key); err == nil {
		key = wallet.Key()
	}

	cfg, err := h.service.GetConfig(ctx, surface)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	state, err := h.service.State(ctx, surface, key)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ToWindowStateResponse(surface, key, state, cfg, requestcontext.Now(ctx)))
}
