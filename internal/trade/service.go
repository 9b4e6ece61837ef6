// Package trade provides the HTTP handlers for registering members, running
// buys and sells against the ledger, and querying account status and history.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lzegg/papertrade/internal/instrument"
	"github.com/lzegg/papertrade/internal/ledger"
	"github.com/lzegg/papertrade/internal/model"
	"github.com/lzegg/papertrade/internal/session"
)

// Defaults for ?limit on list endpoints.
const (
	defaultHistoryLimit     = 50
	defaultLeaderboardLimit = 10
)

// Service exposes the ledger over HTTP. Trade serialization and
// compare-and-swap retries live in the ledger; handlers only translate
// requests and errors.
type Service struct {
	ledger   *ledger.Service
	sessions session.Store
}

// NewService creates the HTTP layer over l. sessions backs the /me routes.
func NewService(l *ledger.Service, sessions session.Store) *Service {
	return &Service{ledger: l, sessions: sessions}
}

// Routes mounts the API on r. The caller adds /health, /metrics and /ws.
func (s *Service) Routes(r chi.Router) {
	r.Post("/members", s.RegisterMember)
	r.Get("/prices/{code}", s.GetPrice)
	r.Get("/leaderboard", s.GetLeaderboard)

	r.Post("/sessions", s.CreateSession)
	r.Delete("/sessions/{token}", s.DeleteSession)

	r.Route("/accounts/{userID}", s.accountRoutes)
	r.Route("/me", func(r chi.Router) {
		r.Use(s.RequireSession)
		s.accountRoutes(r)
	})
}

func (s *Service) accountRoutes(r chi.Router) {
	r.Get("/", s.GetAccount)
	r.Post("/", s.EnsureAccount)
	r.Post("/buy", s.Buy)
	r.Post("/sell", s.Sell)
	r.Get("/history", s.GetHistory)
	r.Post("/history", s.RecordHistory)
}

// --- Request/Response types ---

// RegisterMemberRequest is the JSON body for POST /members.
type RegisterMemberRequest struct {
	UserID   string           `json:"user_id"`
	SeedCash *decimal.Decimal `json:"seed_cash,omitempty"` // nil → service default
}

// TradeRequest is the JSON body for POST .../buy and .../sell. Trades fill
// at the looked-up price; bodies with other fields (such as a price) are
// rejected.
type TradeRequest struct {
	Code     string `json:"code"`     // e.g. 005930, 005930.KS, AAPL
	Quantity int64  `json:"quantity"` // positive whole units
}

// RecordRequest is the JSON body for POST .../history.
type RecordRequest struct {
	Category string `json:"category"` // CHAT or QUERY
	Message  string `json:"message"`
}

// SessionRequest is the JSON body for POST /sessions.
type SessionRequest struct {
	UserID string `json:"user_id"`
}

// PriceResponse is returned from GET /prices/{code}.
type PriceResponse struct {
	Code   string          `json:"code"`
	Market string          `json:"market"`
	Price  decimal.Decimal `json:"price"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	Required  *decimal.Decimal `json:"required,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
	Held      *int64           `json:"held,omitempty"`
	Requested *int64           `json:"requested,omitempty"`
}

// --- Session resolution ---

type ctxKey struct{}

// RequireSession resolves "Authorization: Bearer <token>" to a user and
// rejects the request with 401 otherwise.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, "bearer token required", "unauthorized", http.StatusUnauthorized)
			return
		}
		sess, err := s.sessions.Get(r.Context(), strings.TrimSpace(token))
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, "session not found or expired", "unauthorized", http.StatusUnauthorized)
			return
		}
		if err != nil {
			slog.Error("session lookup failed", "err", err)
			writeError(w, "session lookup failed", "internal", http.StatusInternalServerError)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userID returns the path user, or the session user on /me routes.
func userID(r *http.Request) string {
	if id := chi.URLParam(r, "userID"); id != "" {
		return id
	}
	if sess, ok := r.Context().Value(ctxKey{}).(model.Session); ok {
		return sess.UserID
	}
	return ""
}

// --- HTTP Handlers ---

// RegisterMember handles POST /api/v1/members
func (s *Service) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req RegisterMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_body", http.StatusBadRequest)
		return
	}
	seed := s.ledger.DefaultSeed()
	if req.SeedCash != nil {
		seed = *req.SeedCash
	}

	m, err := s.ledger.RegisterMember(r.Context(), req.UserID, seed)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetAccount handles GET /api/v1/accounts/{userID}
// With ?valuate=true positions are marked to the current price.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	valuate := false
	if v := r.URL.Query().Get("valuate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "valuate must be a boolean", "invalid_query", http.StatusBadRequest)
			return
		}
		valuate = b
	}

	st, err := s.ledger.Status(r.Context(), userID(r), valuate)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// EnsureAccount handles POST /api/v1/accounts/{userID}
// Creates the account on first call; later calls return it unchanged.
func (s *Service) EnsureAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.EnsureAccount(r.Context(), userID(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Buy handles POST /api/v1/accounts/{userID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, model.ActionBuy)
}

// Sell handles POST /api/v1/accounts/{userID}/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.executeTrade(w, r, model.ActionSell)
}

func (s *Service) executeTrade(w http.ResponseWriter, r *http.Request, action string) {
	var req TradeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), "invalid_body", http.StatusBadRequest)
		return
	}

	var res *ledger.TradeResult
	var err error
	if action == model.ActionBuy {
		res, err = s.ledger.Buy(r.Context(), userID(r), req.Code, req.Quantity)
	} else {
		res, err = s.ledger.Sell(r.Context(), userID(r), req.Code, req.Quantity)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHistory handles GET /api/v1/accounts/{userID}/history
// Returns the newest ?limit entries (default 50, 0 for all), oldest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultHistoryLimit)
	if !ok {
		return
	}

	entries, err := s.ledger.History(r.Context(), userID(r), limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// RecordHistory handles POST /api/v1/accounts/{userID}/history
// Appends a CHAT or QUERY entry; TRADE entries come only from trades.
func (s *Service) RecordHistory(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_body", http.StatusBadRequest)
		return
	}

	entry, err := s.ledger.Record(r.Context(), userID(r), req.Category, req.Message)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetLeaderboard handles GET /api/v1/leaderboard
// Ranks accounts by realized plus unrealized profit; ?limit defaults to 10,
// 0 for all.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, defaultLeaderboardLimit)
	if !ok {
		return
	}

	board, err := s.ledger.Leaderboard(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// queryLimit parses ?limit, writing a 400 when it is malformed.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, "limit must be a non-negative integer", "invalid_query", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// GetPrice handles GET /api/v1/prices/{code}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	inst, err := instrument.Normalize(chi.URLParam(r, "code"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	px, err := s.ledger.Price(r.Context(), inst.Code)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Code: inst.Code, Market: inst.Market, Price: px})
}

// CreateSession handles POST /api/v1/sessions
// The account is created on login so registration rules apply.
func (s *Service) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.ledger.EnsureAccount(ctx, req.UserID); err != nil {
		writeLedgerError(w, err)
		return
	}
	sess, err := s.sessions.GetOrCreate(ctx, req.UserID)
	if err != nil {
		slog.Error("create session failed", "user", req.UserID, "err", err)
		writeError(w, "failed to create session", "internal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// DeleteSession handles DELETE /api/v1/sessions/{token}
func (s *Service) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), chi.URLParam(r, "token")); err != nil {
		slog.Error("delete session failed", "err", err)
		writeError(w, "failed to delete session", "internal", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps a ledger error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidUser),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidInstrument),
		errors.Is(err, ledger.ErrInvalidCategory),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientQuantity),
		errors.Is(err, ledger.ErrInstrumentLimitExceeded),
		errors.Is(err, ledger.ErrMarketLimitExceeded),
		errors.Is(err, ledger.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeLedgerError renders a ledger error; unexpected errors are logged and
// hidden behind a generic message.
func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: ledger.Reason(err)}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		resp.Error = "internal error"
	}

	var be *ledger.InsufficientBalanceError
	if errors.As(err, &be) {
		resp.Required, resp.Available = &be.Required, &be.Available
	}
	var qe *ledger.InsufficientQuantityError
	if errors.As(err, &qe) {
		resp.Held, resp.Requested = &qe.Held, &qe.Requested
	}
	writeJSON(w, status, resp)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
