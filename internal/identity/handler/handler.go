package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trustledger/internal/identity/models"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/httputil"
	"trustledger/pkg/requestcontext"
)

type Service interface {
	MintOrUpdate(ctx context.Context, caller, wallet id.WalletAddress, score, riskClass int) (*models.Identity, error)
	GetScore(ctx context.Context, wallet id.WalletAddress) (*models.Identity, error)
	Remove(ctx context.Context, caller, wallet id.WalletAddress) error
	Transfer(ctx context.Context, caller id.WalletAddress, recordID id.RecordID, to id.WalletAddress) error
	OwnerOf(ctx context.Context, recordID id.RecordID) (id.WalletAddress, error)
	History(ctx context.Context, wallet id.WalletAddress) ([]audit.Event, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the public read endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Get("/identities/{wallet}", h.HandleGetScore)
	r.Get("/identities/{wallet}/history", h.HandleHistory)
	r.Get("/records/{recordID}/owner", h.HandleOwnerOf)
}

// RegisterAuthenticated mounts the write endpoints. The router is expected
// to already require authentication.
func (h *Handler) RegisterAuthenticated(r chi.Router) {
	r.Put("/identities/{wallet}", h.HandleMintOrUpdate)
	r.Delete("/identities/{wallet}", h.HandleRemove)
	r.Post("/records/{recordID}/transfer", h.HandleTransfer)
}

// HandleMintOrUpdate handles PUT /identities/{wallet}.
func (h *Handler) HandleMintOrUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	caller, ok := requireCaller(w, ctx)
	if !ok {
		return
	}
	wallet, ok := walletParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[models.ScoreRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	identity, err := h.service.MintOrUpdate(ctx, caller, wallet, *req.Score, *req.RiskClass)
	if err != nil {
		h.logger.WarnContext(ctx, "identity write failed",
			"request_id", requestID,
			"wallet", wallet.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.ToIdentityResponse(wallet, identity))
}

// HandleGetScore handles GET /identities/{wallet}. Wallets without a record
// get a zero record, not a 404.
func (h *Handler) HandleGetScore(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r)
	if !ok {
		return
	}
	identity, err := h.service.GetScore(r.Context(), wallet)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ToIdentityResponse(wallet, identity))
}

func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := requireCaller(w, ctx)
	if !ok {
		return
	}
	wallet, ok := walletParam(w, r)
	if !ok {
		return
	}
	if err := h.service.Remove(ctx, caller, wallet); err != nil {
		h.logger.WarnContext(ctx, "identity removal failed",
			"request_id", requestcontext.RequestID(ctx),
			"wallet", wallet.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletParam(w, r)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), wallet)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ToHistoryResponse(wallet, events))
}

func (h *Handler) HandleOwnerOf(w http.ResponseWriter, r *http.Request) {
	recordID, err := id.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid record id"))
		return
	}
	owner, err := h.service.OwnerOf(r.Context(), recordID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.OwnerResponse{RecordID: recordID, Owner: owner})
}

// HandleTransfer handles POST /records/{recordID}/transfer, which always
// fails once the request is well formed.
func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	caller, ok := requireCaller(w, ctx)
	if !ok {
		return
	}
	recordID, err := id.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid record id"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[models.TransferRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	to, _ := id.ParseWalletAddress(req.To)

	httputil.WriteError(w, h.service.Transfer(ctx, caller, recordID, to))
}

func walletParam(w http.ResponseWriter, r *http.Request) (id.WalletAddress, bool) {
	wallet, err := id.ParseWalletAddress(chi.URLParam(r, "wallet"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid wallet"))
		return id.WalletAddress{}, false
	}
	return wallet, true
}

func requireCaller(w http.ResponseWriter, ctx context.Context) (id.WalletAddress, bool) {
	caller := requestcontext.Caller(ctx)
	if caller.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.WalletAddress{}, false
	}
	return caller, true
}
