package http

import (
	"net/http"
	"time"

	"finlink/internal/domain/account"
	"finlink/internal/domain/link"
)

type LinkHandler struct {
	manager *link.Manager
}

func NewLinkHandler(manager *link.Manager) *LinkHandler {
	return &LinkHandler{manager: manager}
}

type LinkSessionResponse struct {
	LinkToken string    `json:"linkToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ExchangeRequest struct {
	LinkToken   string `json:"linkToken"`
	PublicToken string `json:"publicToken"`
}

type ExchangeResponse struct {
	Accounts []*account.Account `json:"accounts"`
	Replayed bool               `json:"replayed"`
}

// HandleCreateSession handles POST /api/link/sessions
func (h *LinkHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	s, err := h.manager.CreateSession(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, "Failed to create link session")
		return
	}

	writeJSON(w, http.StatusCreated, LinkSessionResponse{LinkToken: s.Token, ExpiresAt: s.ExpiresAt})
}

// HandleExchange handles POST /api/link/exchange. Repeating an exchange
// with the same tokens answers 200 with the original accounts.
func (h *LinkHandler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req ExchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LinkToken == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "linkToken is required"})
		return
	}

	res, err := h.manager.Exchange(r.Context(), userID, req.LinkToken, req.PublicToken)
	if err != nil {
		writeError(w, r, err, "Failed to exchange link token")
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, ExchangeResponse{Accounts: res.Accounts, Replayed: res.Replayed})
}
