package http

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"finlink/internal/domain/account"
	"finlink/internal/domain/balance"
	"finlink/internal/domain/openfinance"
)

type AccountHandler struct {
	registry *account.Registry
	syncer   *openfinance.Orchestrator
}

func NewAccountHandler(registry *account.Registry, syncer *openfinance.Orchestrator) *AccountHandler {
	return &AccountHandler{registry: registry, syncer: syncer}
}

type CreateManualAccountRequest struct {
	Name        string          `json:"name"`
	Type        account.Type    `json:"type"`
	Institution string          `json:"institution"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Notes       string          `json:"notes"`
}

type UpdateAccountRequest struct {
	Name          *string          `json:"name"`
	Notes         *string          `json:"notes"`
	ManualBalance *decimal.Decimal `json:"manualBalance"`
	Currency      *string          `json:"currency"`
	Type          *account.Type    `json:"type"`
	Institution   *string          `json:"institution"`
}

type BalanceResponse struct {
	Snapshot *balance.Snapshot `json:"snapshot"`
	Stale    bool              `json:"stale"`
	Warning  string            `json:"warning,omitempty"`
}

// HandleListAccounts handles GET /api/accounts/
func (h *AccountHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.registry.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, "Failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []*account.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// HandleListByType handles GET /api/accounts/by-type
func (h *AccountHandler) HandleListByType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	grouped, err := h.registry.ListByUserGroupedByType(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, "Failed to group accounts")
		return
	}
	writeJSON(w, http.StatusOK, grouped)
}

// HandleCreateManual handles POST /api/accounts/manual
func (h *AccountHandler) HandleCreateManual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req CreateManualAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.registry.CreateManual(r.Context(), account.ManualParams{
		UserID:      userID,
		Name:        req.Name,
		Type:        req.Type,
		Institution: req.Institution,
		Currency:    req.Currency,
		Balance:     req.Balance,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, r, err, "Failed to create account")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// HandleAccountByID handles GET, PUT and DELETE on /api/accounts/{id}
func (h *AccountHandler) HandleAccountByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	accountID := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		a, err := h.registry.Get(r.Context(), accountID, userID)
		if err != nil {
			writeError(w, r, err, "Failed to get account")
			return
		}
		writeJSON(w, http.StatusOK, a)
	case http.MethodPut:
		h.handleUpdate(w, r, userID, accountID)
	case http.MethodDelete:
		if err := h.registry.SoftDelete(r.Context(), accountID, userID); err != nil {
			writeError(w, r, err, "Failed to delete account")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (h *AccountHandler) handleUpdate(w http.ResponseWriter, r *http.Request, userID int64, accountID string) {
	var req UpdateAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.registry.Update(r.Context(), accountID, userID, account.UpdateParams{
		Name:          req.Name,
		Notes:         req.Notes,
		ManualBalance: req.ManualBalance,
		Currency:      req.Currency,
		Type:          req.Type,
		Institution:   req.Institution,
	})
	if err != nil {
		writeError(w, r, err, "Failed to update account")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HandleBalance handles GET /api/accounts/{id}/balance?force=
// A failed fetch still answers 200 with the last known snapshot and a
// warning. Without any snapshot the failure decides the status.
func (h *AccountHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	accountID := r.PathValue("id")

	if _, err := h.registry.Get(r.Context(), accountID, userID); err != nil {
		writeError(w, r, err, "Failed to get account")
		return
	}

	reading, err := h.syncer.RefreshBalance(r.Context(), accountID, boolQuery(r, "force"))
	if err != nil {
		writeError(w, r, err, "Failed to read balance")
		return
	}
	if reading.Snapshot == nil {
		status, msg := http.StatusNotFound, balance.ErrNoSnapshot.Error()
		switch {
		case errors.Is(reading.Warning, balance.ErrAccountDisconnected):
			status, msg = http.StatusConflict, reading.Warning.Error()
		case reading.Warning != nil:
			status, msg = http.StatusBadGateway, reading.Warning.Error()
		}
		writeJSON(w, status, ErrorResponse{Error: msg})
		return
	}

	resp := BalanceResponse{Snapshot: reading.Snapshot, Stale: reading.Stale}
	if reading.Warning != nil {
		resp.Warning = reading.Warning.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRefreshAll handles POST /api/accounts/refresh-all. Per-account
// failures are reported in the body; the request itself succeeds.
func (h *AccountHandler) HandleRefreshAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	bulk, err := h.syncer.RefreshAll(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, "Failed to refresh accounts")
		return
	}
	writeJSON(w, http.StatusOK, bulk)
}

// HandleRefreshTransactions handles POST /api/accounts/{id}/transactions/refresh?force=
func (h *AccountHandler) HandleRefreshTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	accountID := r.PathValue("id")

	if _, err := h.registry.Get(r.Context(), accountID, userID); err != nil {
		writeError(w, r, err, "Failed to get account")
		return
	}

	res, err := h.syncer.RefreshAccount(r.Context(), accountID, boolQuery(r, "force"))
	if errors.Is(err, openfinance.ErrSyncInProgress) {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	if err != nil {
		writeError(w, r, err, "Failed to refresh account")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
