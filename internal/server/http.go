package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"VaultLedger/internal/fixedpoint"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/oracle"
	"VaultLedger/internal/vault"
)

// FeedFactory builds a price feed from an admin-supplied source spec.
type FeedFactory func(subject string, maxAge time.Duration) (oracle.PriceFeed, error)

// HTTPServer serves the ledger's JSON API.
type HTTPServer struct {
	vault         *vault.Vault
	newFeed       FeedFactory
	adminToken    string
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	log           zerolog.Logger

	addr       string
	httpServer *http.Server
}

// NewHTTPServer wires the API around a constructed ledger. adminToken gates
// the price-source endpoint; an empty token disables it entirely.
func NewHTTPServer(
	addr string,
	v *vault.Vault,
	newFeed FeedFactory,
	adminToken string,
	healthChecker *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *HTTPServer {
	return &HTTPServer{
		vault:         v,
		newFeed:       newFeed,
		adminToken:    adminToken,
		healthChecker: healthChecker,
		metrics:       metrics,
		log:           log,
		addr:          addr,
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// mux without a listener.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/deposits/native", s.instrument("deposit_native", s.handleDepositNative))
	mux.HandleFunc("POST /v1/deposits/token", s.instrument("deposit_token", s.handleDepositToken))
	mux.HandleFunc("POST /v1/withdrawals/native", s.instrument("withdraw_native", s.handleWithdrawNative))
	mux.HandleFunc("POST /v1/withdrawals/token", s.instrument("withdraw_token", s.handleWithdrawToken))
	mux.HandleFunc("GET /v1/balances/{user}", s.instrument("balances", s.handleBalances))
	mux.HandleFunc("GET /v1/bank", s.instrument("bank", s.handleBank))
	mux.HandleFunc("PUT /v1/admin/price-source", s.instrument("price_source", s.handlePriceSource))

	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}

	return mux
}

// Start runs the server until the context is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Request/response types ---

type opRequest struct {
	User string `json:"user"`
	// Amount is a decimal string so full uint64 raw amounts survive JSON.
	Amount string `json:"amount"`
}

type opResponse struct {
	User             string `json:"user"`
	Asset            string `json:"asset"`
	RawAmount        uint64 `json:"raw_amount"`
	NormalizedAmount uint64 `json:"normalized_amount"`
	AmountUSD        string `json:"amount_usd"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// --- Handlers ---

func (s *HTTPServer) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	user, amount, ok := s.decodeOp(w, r)
	if !ok {
		return
	}

	normalized, err := s.vault.DepositNative(r.Context(), user, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResponse{
		User:             user.String(),
		Asset:            vault.AssetNative.String(),
		RawAmount:        amount,
		NormalizedAmount: normalized,
		AmountUSD:        fixedpoint.FormatUSD(normalized),
	})
}

func (s *HTTPServer) handleDepositToken(w http.ResponseWriter, r *http.Request) {
	user, amount, ok := s.decodeOp(w, r)
	if !ok {
		return
	}

	if err := s.vault.DepositToken(r.Context(), user, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResponse{
		User:             user.String(),
		Asset:            vault.AssetToken.String(),
		RawAmount:        amount,
		NormalizedAmount: amount,
		AmountUSD:        fixedpoint.FormatUSD(amount),
	})
}

func (s *HTTPServer) handleWithdrawNative(w http.ResponseWriter, r *http.Request) {
	user, amount, ok := s.decodeOp(w, r)
	if !ok {
		return
	}

	normalized, err := s.vault.WithdrawNative(r.Context(), user, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResponse{
		User:             user.String(),
		Asset:            vault.AssetNative.String(),
		RawAmount:        amount,
		NormalizedAmount: normalized,
		AmountUSD:        fixedpoint.FormatUSD(normalized),
	})
}

func (s *HTTPServer) handleWithdrawToken(w http.ResponseWriter, r *http.Request) {
	user, amount, ok := s.decodeOp(w, r)
	if !ok {
		return
	}

	if err := s.vault.WithdrawToken(r.Context(), user, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResponse{
		User:             user.String(),
		Asset:            vault.AssetToken.String(),
		RawAmount:        amount,
		NormalizedAmount: amount,
		AmountUSD:        fixedpoint.FormatUSD(amount),
	})
}

func (s *HTTPServer) handleBalances(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(r.PathValue("user"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid user id"})
		return
	}

	native := s.vault.Balance(user, vault.AssetNative)
	token := s.vault.Balance(user, vault.AssetToken)
	total := native + token

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":      user.String(),
		"native":    native,
		"token":     token,
		"total":     total,
		"total_usd": fixedpoint.FormatUSD(total),
	})
}

func (s *HTTPServer) handleBank(w http.ResponseWriter, r *http.Request) {
	bank, err := s.vault.BankValue(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	deposits, withdrawals := s.vault.Totals()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bank_value":     bank,
		"bank_value_usd": fixedpoint.FormatUSD(bank),
		"bank_cap":       s.vault.BankCap(),
		"limit_per_tx":   s.vault.LimitPerTx(),
		"deposits":       deposits,
		"withdrawals":    withdrawals,
		"price_source":   s.vault.PriceSource(),
	})
}

type priceSourceRequest struct {
	Subject       string `json:"subject"`
	MaxAgeSeconds int64  `json:"max_age_seconds"`
}

func (s *HTTPServer) handlePriceSource(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "admin token required"})
		return
	}

	var req priceSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid request body"})
		return
	}
	if req.Subject == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "subject is required"})
		return
	}
	maxAge := time.Duration(req.MaxAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}

	feed, err := s.newFeed(req.Subject, maxAge)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: "feed_unavailable", Message: err.Error()})
		return
	}
	if err := s.vault.SetPriceSource(feed); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"price_source": s.vault.PriceSource(),
	})
}

// authorized compares the admin token in constant time. An empty configured
// token disables the endpoint.
func (s *HTTPServer) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	got := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) == 1
}

// --- Plumbing ---

func (s *HTTPServer) decodeOp(w http.ResponseWriter, r *http.Request) (uuid.UUID, uint64, bool) {
	var req opRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid request body"})
		return uuid.Nil, 0, false
	}

	user, err := uuid.Parse(req.User)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid user id"})
		return uuid.Nil, 0, false
	}

	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "invalid amount"})
		return uuid.Nil, 0, false
	}

	return user, amount, true
}

// writeError maps a ledger error onto an HTTP status and the stable reason
// label used by metrics.
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: vault.Reason(err), Message: err.Error()})
}

func statusFor(err error) int {
	var perTx *vault.PerTxLimitError
	var insufficient *vault.InsufficientBalanceError
	var capErr *vault.BankCapError
	var txErr *vault.TransactionFailedError

	switch {
	case errors.Is(err, vault.ErrInvalidAmount), errors.Is(err, vault.ErrInvalidContract):
		return http.StatusBadRequest
	case errors.As(err, &perTx), errors.As(err, &capErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrReentrancy), errors.As(err, &insufficient):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &txErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

// instrument wraps a handler with request counting and latency observation.
func (s *HTTPServer) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.HTTPRequests.WithLabelValues(endpoint, fmt.Sprintf("%d", rec.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
