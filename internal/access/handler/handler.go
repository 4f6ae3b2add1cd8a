package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/access/models"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/httputil"
	"trustledger/pkg/requestcontext"
)

type Service interface {
	Grant(ctx context.Context, caller id.WalletAddress, capability models.Capability, holder id.WalletAddress) error
	Revoke(ctx context.Context, caller id.WalletAddress, capability models.Capability, holder id.WalletAddress) error
	Pause(ctx context.Context, caller id.WalletAddress) error
	Unpause(ctx context.Context, caller id.WalletAddress) error
	Paused(ctx context.Context) (bool, error)
	Holders(ctx context.Context, capability models.Capability) ([]id.WalletAddress, error)
	CapabilitiesOf(ctx context.Context, holder id.WalletAddress) ([]models.Capability, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdmin mounts capability and pause administration.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/capabilities", h.HandleGrant)
	r.Delete("/admin/capabilities", h.HandleRevoke)
	r.Get("/admin/capabilities/{capability}/holders", h.HandleHolders)
	r.Get("/admin/wallets/{wallet}/capabilities", h.HandleCapabilitiesOf)
	r.Post("/admin/pause", h.HandlePause)
	r.Post("/admin/unpause", h.HandleUnpause)
	r.Get("/admin/status", h.HandleStatus)
}

func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	h.handleGrantChange(w, r, "grant", h.service.Grant)
}

func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	h.handleGrantChange(w, r, "revoke", h.service.Revoke)
}

func (h *Handler) handleGrantChange(w http.ResponseWriter, r *http.Request, op string,
	apply func(ctx context.Context, caller id.WalletAddress, capability models.Capability, holder id.WalletAddress) error,
) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	caller, ok := requireCaller(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[models.GrantRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	grant := req.Parsed()

	if err := apply(ctx, caller, grant.Capability, grant.Holder); err != nil {
		h.logger.WarnContext(ctx, "capability "+op+" failed",
			"request_id", requestID,
			"capability", grant.Capability,
			"holder", grant.Holder.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleHolders(w http.ResponseWriter, r *http.Request) {
	capability, err := models.ParseCapability(chi.URLParam(r, "capability"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid capability"))
		return
	}
	holders, err := h.service.Holders(r.Context(), capability)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if holders == nil {
		holders = []id.WalletAddress{}
	}
	httputil.WriteJSON(w, http.StatusOK, models.HoldersResponse{Capability: capability, Holders: holders})
}

func (h *Handler) HandleCapabilitiesOf(w http.ResponseWriter, r *http.Request) {
	wallet, err := id.ParseWalletAddress(chi.URLParam(r, "wallet"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid wallet"))
		return
	}
	caps, err := h.service.CapabilitiesOf(r.Context(), wallet)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if caps == nil {
		caps = []models.Capability{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"wallet":       wallet,
		"capabilities": caps,
	})
}

func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.handlePauseSwitch(w, r, true, h.service.Pause)
}

func (h *Handler) HandleUnpause(w http.ResponseWriter, r *http.Request) {
	h.handlePauseSwitch(w, r, false, h.service.Unpause)
}

func (h *Handler) handlePauseSwitch(w http.ResponseWriter, r *http.Request, paused bool, apply func(context.Context, id.WalletAddress) error) {
	ctx := r.Context()
	caller, ok := requireCaller(w, ctx)
	if !ok {
		return
	}
	if err := apply(ctx, caller); err != nil {
		h.logger.WarnContext(ctx, "pause switch change failed",
			"request_id", requestcontext.RequestID(ctx),
			"paused", paused,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.GateStatus{Paused: paused})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	paused, err := h.service.Paused(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.GateStatus{Paused: paused})
}

func requireCaller(w http.ResponseWriter, ctx context.Context) (id.WalletAddress, bool) {
	caller := requestcontext.Caller(ctx)
	if caller.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.WalletAddress{}, false
	}
	return caller, true
}
