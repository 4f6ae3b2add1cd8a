package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"trustledger/internal/lending/models"
	"trustledger/internal/lending/offer"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/httputil"
	"trustledger/pkg/requestcontext"
)

type Service interface {
	CreateLoan(ctx context.Context, caller id.WalletAddress, o offer.Offer, signature []byte, collateral decimal.Decimal) (id.LoanID, error)
	RepayLoan(ctx context.Context, caller id.WalletAddress, loanID id.LoanID, payment decimal.Decimal) (*models.Repayment, error)
	GetLoan(ctx context.Context, loanID id.LoanID) (*models.Loan, error)
	GetBorrowerLoans(ctx context.Context, borrower id.WalletAddress) ([]id.LoanID, error)
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
	r.Get("/loans/{loanID}", h.HandleGetLoan)
	r.Get("/borrowers/{wallet}/loans", h.HandleBorrowerLoans)
}

// RegisterAuthenticated mounts loan creation and repayment.
func (h *Handler) RegisterAuthenticated(r chi.Router) {
	r.Post("/loans", h.HandleCreateLoan)
	r.Post("/loans/{loanID}/repay", h.HandleRepay)
}

// HandleCreateLoan handles POST /loans.
func (h *Handler) HandleCreateLoan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	caller := requestcontext.Caller(ctx)
	if caller.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[models.CreateLoanRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	o, sig, collateral := req.Parsed()

	loanID, err := h.service.CreateLoan(ctx, caller, o, sig, collateral)
	if err != nil {
		h.logger.WarnContext(ctx, "loan creation failed",
			"request_id", requestID,
			"borrower", o.Borrower.String(),
			"nonce", o.Nonce,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, models.CreateLoanResponse{LoanID: loanID})
}

// HandleRepay handles POST /loans/{loanID}/repay.
func (h *Handler) HandleRepay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	caller := requestcontext.Caller(ctx)
	if caller.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}
	loanID, ok := loanIDParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[models.RepayRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	payment, _ := models.ParseAmount(req.Payment, "payment")

	repayment, err := h.service.RepayLoan(ctx, caller, loanID, payment)
	if err != nil {
		h.logger.WarnContext(ctx, "loan repayment failed",
			"request_id", requestID,
			"loan_id", loanID.String(),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.ToRepaymentResponse(repayment))
}

// HandleGetLoan handles GET /loans/{loanID}; owed is evaluated at request time.
func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDParam(w, r)
	if !ok {
		return
	}
	loan, err := h.service.GetLoan(r.Context(), loanID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ToLoanResponse(loan, requestcontext.Now(r.Context())))
}

func (h *Handler) HandleBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	borrower, err := id.ParseWalletAddress(chi.URLParam(r, "wallet"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid wallet"))
		return
	}
	ids, err := h.service.GetBorrowerLoans(r.Context(), borrower)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if ids == nil {
		ids = []id.LoanID{}
	}
	httputil.WriteJSON(w, http.StatusOK, models.BorrowerLoansResponse{Borrower: borrower, LoanIDs: ids})
}

func loanIDParam(w http.ResponseWriter, r *http.Request) (id.LoanID, bool) {
	loanID, err := id.ParseLoanID(chi.URLParam(r, "loanID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid loan id"))
		return 0, false
	}
	return loanID, true
}
