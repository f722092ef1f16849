package http

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"finlink/internal/domain/account"
	"finlink/internal/domain/transaction"
)

const defaultTransactionLimit = 50

type TransactionHandler struct {
	registry *account.Registry
	deduper  *transaction.Deduper
}

func NewTransactionHandler(registry *account.Registry, deduper *transaction.Deduper) *TransactionHandler {
	return &TransactionHandler{registry: registry, deduper: deduper}
}

type CreateTransactionRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	TransactionDate string          `json:"transactionDate"` // YYYY-MM-DD or RFC 3339
}

// HandleTransactions handles GET and POST on /api/accounts/{id}/transactions.
// POST requires an Idempotency-Key header; a repeated key answers 200 with
// the stored transaction.
func (h *TransactionHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	accountID := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		h.handleList(w, r, userID, accountID)
	case http.MethodPost:
		h.handleCreate(w, r, userID, accountID)
	default:
		methodNotAllowed(w)
	}
}

func (h *TransactionHandler) handleList(w http.ResponseWriter, r *http.Request, userID int64, accountID string) {
	if _, err := h.registry.Get(r.Context(), accountID, userID); err != nil {
		writeError(w, r, err, "Failed to get account")
		return
	}

	limit := intQuery(r, "limit", defaultTransactionLimit)
	offset := intQuery(r, "offset", 0)

	txns, err := h.deduper.List(r.Context(), accountID, limit, offset)
	if err != nil {
		writeError(w, r, err, "Failed to list transactions")
		return
	}
	if txns == nil {
		txns = []*transaction.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

func (h *TransactionHandler) handleCreate(w http.ResponseWriter, r *http.Request, userID int64, accountID string) {
	a, err := h.registry.Get(r.Context(), accountID, userID)
	if err != nil {
		writeError(w, r, err, "Failed to get account")
		return
	}

	var req CreateTransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	postedAt, err := parseTransactionDate(req.TransactionDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid transactionDate format (use YYYY-MM-DD)"})
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = a.Currency
	}

	t, created, err := h.deduper.AddManual(r.Context(), transaction.ManualParams{
		AccountID:      accountID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Amount:         req.Amount,
		Currency:       currency,
		Description:    req.Description,
		Category:       req.Category,
		PostedAt:       postedAt,
	})
	if err != nil {
		writeError(w, r, err, "Failed to create transaction")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, t)
}

func parseTransactionDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
