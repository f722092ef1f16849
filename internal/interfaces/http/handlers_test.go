package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"finlink/internal/domain/account"
	"finlink/internal/domain/balance"
	"finlink/internal/domain/link"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/openfinance"
	"finlink/internal/domain/transaction"
	"finlink/internal/infrastructure/memory"
	"finlink/internal/infrastructure/sandbox"
	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/shared/messages"
	"finlink/internal/shared/middleware"
)

type testServer struct {
	mux *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	registry := account.NewRegistry(memory.NewAccountRepository(), nil, nil, "USD")
	connector := sandbox.NewConnector()
	cache := balance.NewCache(memory.NewBalanceRepository(), registry, connector)
	registry.SetBalanceLookup(cache)

	deduper := transaction.NewDeduper(memory.NewTransactionRepository())
	notifications := notification.NewService(memory.NewDeviceTokenRepository(), nil, messages.Default())
	orch := openfinance.NewOrchestrator(
		registry, cache, deduper, connector, memory.NewLeaseManager(), notifications,
		openfinance.Options{MaxAttempts: 1, SyncTimeout: 5 * time.Second},
	)
	links := link.NewManager(memory.NewLinkSessionRepository(), connector, registry, link.Options{HashCost: bcrypt.MinCost})

	linkHandler := httphandlers.NewLinkHandler(links)
	accountHandler := httphandlers.NewAccountHandler(registry, orch)
	transactionHandler := httphandlers.NewTransactionHandler(registry, deduper)
	notificationHandler := httphandlers.NewNotificationHandler(notifications)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/link/sessions", linkHandler.HandleCreateSession)
	mux.HandleFunc("/api/link/exchange", linkHandler.HandleExchange)
	mux.HandleFunc("/api/accounts/{$}", accountHandler.HandleListAccounts)
	mux.HandleFunc("/api/accounts/by-type", accountHandler.HandleListByType)
	mux.HandleFunc("/api/accounts/manual", accountHandler.HandleCreateManual)
	mux.HandleFunc("/api/accounts/refresh-all", accountHandler.HandleRefreshAll)
	mux.HandleFunc("/api/accounts/{id}", accountHandler.HandleAccountByID)
	mux.HandleFunc("/api/accounts/{id}/balance", accountHandler.HandleBalance)
	mux.HandleFunc("/api/accounts/{id}/transactions/refresh", accountHandler.HandleRefreshTransactions)
	mux.HandleFunc("/api/accounts/{id}/transactions", transactionHandler.HandleTransactions)
	mux.HandleFunc("/api/notifications/devices", notificationHandler.HandleRegisterDevice)

	return &testServer{mux: mux}
}

type call struct {
	method  string
	path    string
	userID  int64
	body    any
	headers map[string]string
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.userID != 0 {
		req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, c.userID))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// linkAccounts runs a full link flow and returns the created account ids.
func (s *testServer) linkAccounts(t *testing.T, userID int64) []string {
	t.Helper()

	rec := s.do(t, call{method: http.MethodPost, path: "/api/link/sessions", userID: userID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decode[httphandlers.LinkSessionResponse](t, rec)

	rec = s.do(t, call{
		method: http.MethodPost, path: "/api/link/exchange", userID: userID,
		body: httphandlers.ExchangeRequest{LinkToken: session.LinkToken, PublicToken: "user_good"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var ids []string
	for _, a := range decode[httphandlers.ExchangeResponse](t, rec).Accounts {
		ids = append(ids, a.ID)
	}
	return ids
}

func (s *testServer) createManual(t *testing.T, userID int64) string {
	t.Helper()

	rec := s.do(t, call{
		method: http.MethodPost, path: "/api/accounts/manual", userID: userID,
		body: map[string]string{"name": "Wallet", "type": "other", "currency": "USD", "balance": "120.50"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[account.Account](t, rec).ID
}

func TestUnauthenticated(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/accounts/", "/api/accounts/by-type", "/api/accounts/abc"} {
		rec := s.do(t, call{method: http.MethodGet, path: path})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestLinkFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/link/sessions", userID: 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	session := decode[httphandlers.LinkSessionResponse](t, rec)
	assert.NotEmpty(t, session.LinkToken)
	assert.True(t, session.ExpiresAt.After(time.Now()))

	exchange := httphandlers.ExchangeRequest{LinkToken: session.LinkToken, PublicToken: "user_good"}

	rec = s.do(t, call{method: http.MethodPost, path: "/api/link/exchange", userID: 1, body: exchange})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[httphandlers.ExchangeResponse](t, rec)
	assert.Len(t, first.Accounts, 3)
	assert.False(t, first.Replayed)

	rec = s.do(t, call{method: http.MethodPost, path: "/api/link/exchange", userID: 1, body: exchange})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replay := decode[httphandlers.ExchangeResponse](t, rec)
	assert.True(t, replay.Replayed)
	require.Len(t, replay.Accounts, 3)
	for i := range first.Accounts {
		assert.Equal(t, first.Accounts[i].ID, replay.Accounts[i].ID)
	}

	rec = s.do(t, call{method: http.MethodGet, path: "/api/accounts/", userID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]account.Account](t, rec), 3)
}

func TestExchangeErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/link/sessions", userID: 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode[httphandlers.LinkSessionResponse](t, rec).LinkToken

	tests := []struct {
		name   string
		userID int64
		body   any
		want   int
	}{
		{"missing token", 1, httphandlers.ExchangeRequest{PublicToken: "user_good"}, http.StatusBadRequest},
		{"missing credential", 1, httphandlers.ExchangeRequest{LinkToken: token}, http.StatusBadRequest},
		{"unknown token", 1, httphandlers.ExchangeRequest{LinkToken: "nope", PublicToken: "user_good"}, http.StatusNotFound},
		{"other user", 2, httphandlers.ExchangeRequest{LinkToken: token, PublicToken: "user_good"}, http.StatusForbidden},
		{"provider rejects", 1, httphandlers.ExchangeRequest{LinkToken: token, PublicToken: "user_bad"}, http.StatusBadGateway},
		{"malformed body", 1, "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, call{method: http.MethodPost, path: "/api/link/exchange", userID: tt.userID, body: tt.body})
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestManualAccountLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.createManual(t, 1)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/accounts/" + id, userID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[account.Account](t, rec)
	assert.Equal(t, account.IntegrationManual, got.Integration)
	assert.Equal(t, "120.5", got.ManualBalance.Decimal.String())

	rec = s.do(t, call{method: http.MethodGet, path: "/api/accounts/" + id, userID: 2})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, call{
		method: http.MethodPut, path: "/api/accounts/" + id, userID: 1,
		body: map[string]string{"name": "Cash", "manualBalance": "99"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Cash", decode[account.Account](t, rec).Name)

	rec = s.do(t, call{method: http.MethodDelete, path: "/api/accounts/" + id, userID: 1})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/accounts/" + id, userID: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateManualValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{
		method: http.MethodPost, path: "/api/accounts/manual", userID: 1,
		body: map[string]string{"name": "Wallet", "type": "other", "currency": "XXX"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/accounts/manual", userID: 1})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUpdateLinkedAccountProviderFields(t *testing.T) {
	s := newTestServer(t)
	ids := s.linkAccounts(t, 1)

	rec := s.do(t, call{
		method: http.MethodPut, path: "/api/accounts/" + ids[0], userID: 1,
		body: map[string]string{"manualBalance": "10"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{
		method: http.MethodPut, path: "/api/accounts/" + ids[0], userID: 1,
		body: map[string]string{"notes": "joint account"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBalance(t *testing.T) {
	s := newTestServer(t)
	ids := s.linkAccounts(t, 1)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/accounts/" + ids[0] + "/balance?force=true", userID: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[httphandlers.BalanceResponse](t, rec)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, ids[0], resp.Snapshot.AccountID)
	assert.False(t, resp.Stale)
	assert.Empty(t, resp.Warning)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/accounts/" + ids[0] + "/balance", userID: 2})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/accounts/missing/balance", userID: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshTransactions(t *testing.T) {
	s := newTestServer(t)
	ids := s.linkAccounts(t, 1)
	manual := s.createManual(t, 1)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/accounts/" + ids[0] + "/transactions/refresh", userID: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[openfinance.SyncResult](t, rec)
	assert.Equal(t, openfinance.OutcomeSuccess, res.Outcome)
	assert.Positive(t, res.TransactionsAdded)

	rec = s.do(t, call{method: http.MethodPost, path: "/api/accounts/" + ids[0] + "/transactions/refresh", userID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[openfinance.SyncResult](t, rec).TransactionsAdded)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/accounts/" + ids[0] + "/transactions?limit=5", userID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]transaction.Transaction](t, rec), 5)

	rec = s.do(t, call{method: http.MethodPost, path: "/api/accounts/" + manual + "/transactions/refresh", userID: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualTransactions(t *testing.T) {
	s := newTestServer(t)
	id := s.createManual(t, 1)
	path := "/api/accounts/" + id + "/transactions"

	body := map[string]string{"amount": "-12.30", "description": "Coffee", "transactionDate": "2026-10-01"}

	rec := s.do(t, call{method: http.MethodPost, path: path, userID: 1, body: body})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "idempotency key is required")

	headers := map[string]string{"Idempotency-Key": "k-1"}
	rec = s.do(t, call{method: http.MethodPost, path: path, userID: 1, body: body, headers: headers})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[transaction.Transaction](t, rec)
	assert.Equal(t, "USD", created.Currency)

	rec = s.do(t, call{method: http.MethodPost, path: path, userID: 1, body: body, headers: headers})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[transaction.Transaction](t, rec).ID)

	changed := map[string]string{"amount": "-15", "description": "Coffee", "transactionDate": "2026-10-01"}
	rec = s.do(t, call{method: http.MethodPost, path: path, userID: 1, body: changed, headers: headers})
	assert.Equal(t, http.StatusConflict, rec.Code)

	bad := map[string]string{"amount": "1", "description": "x", "transactionDate": "01/10/2026"}
	rec = s.do(t, call{method: http.MethodPost, path: path, userID: 1, body: bad, headers: map[string]string{"Idempotency-Key": "k-2"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: path, userID: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]transaction.Transaction](t, rec), 1)

	rec = s.do(t, call{method: http.MethodGet, path: path, userID: 2})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRefreshAllAndGrouped(t *testing.T) {
	s := newTestServer(t)
	s.linkAccounts(t, 1)
	s.createManual(t, 1)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/accounts/refresh-all", userID: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bulk := decode[openfinance.BulkSyncResult](t, rec)
	assert.Equal(t, 3, bulk.AccountsUpdated)
	assert.Zero(t, bulk.AccountsFailed)
	assert.Len(t, bulk.Results, 3)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/accounts/by-type", userID: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	grouped := decode[account.Grouped](t, rec)
	assert.Equal(t, "USD", grouped.Currency)
	assert.NotEmpty(t, grouped.Groups)
}

func TestRegisterDevice(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{
		method: http.MethodPost, path: "/api/notifications/devices", userID: 1,
		body: httphandlers.RegisterDeviceRequest{Token: "fcm-token", DeviceType: "ios"},
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, call{
		method: http.MethodPost, path: "/api/notifications/devices", userID: 1,
		body: httphandlers.RegisterDeviceRequest{Token: "fcm-token", DeviceType: "blackberry"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
