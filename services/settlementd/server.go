package settlementd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stakepool/services/settlementd/auth"
	"stakepool/services/settlementd/engine"
	"stakepool/services/settlementd/store"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP front-end for escrow settlement operations.
type Server struct {
	engine        *engine.Engine
	authenticator *auth.Authenticator
	limiter       *RateLimiter
	logger        *slog.Logger
	router        http.Handler
}

// NewServer wires the chi router around the settlement engine.
func NewServer(eng *engine.Engine, authenticator *auth.Authenticator, limiter *RateLimiter, logger *slog.Logger) *Server {
	if eng == nil {
		panic("engine required")
	}
	if authenticator == nil {
		panic("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:        eng,
		authenticator: authenticator,
		limiter:       limiter,
		logger:        logger,
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Post("/games/{gameID}/cancel", s.handleCancel)
		r.Post("/games/{gameID}/settle", s.handleSettle)
		r.Post("/games/{gameID}/payments/confirm", s.handleConfirmPayment)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	_, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	gameID, err := parseGameID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.engine.Cancel(r.Context(), gameID, principal.APIKey)
	if err != nil {
		status := statusForEngineError(err)
		s.logger.Error("cancel failed", "game", gameID.String(), "error", err)
		writeJSON(w, status, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type settleRequest struct {
	WinnerIDs   []string `json:"winnerIds"`
	AllowUnpaid bool     `json:"allowUnpaid,omitempty"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	gameID, err := parseGameID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req settleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if len(req.WinnerIDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("winnerIds required"))
		return
	}
	if req.AllowUnpaid && !principal.Admin() {
		writeError(w, http.StatusForbidden, errors.New("allowUnpaid requires an admin key"))
		return
	}
	report, err := s.engine.Settle(r.Context(), gameID, req.WinnerIDs, engine.SettleOptions{
		Actor:       principal.APIKey,
		AllowUnpaid: req.AllowUnpaid,
	})
	if err != nil {
		status := statusForEngineError(err)
		s.logger.Error("settle failed", "game", gameID.String(), "error", err)
		// The report travels with the error: a post-broadcast failure still
		// carries the settlement hash.
		writeJSON(w, status, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type confirmPaymentRequest struct {
	PlayerID string `json:"playerId"`
	TxHash   string `json:"txHash"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	body, _, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	gameID, err := parseGameID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req confirmPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return
	}
	if strings.TrimSpace(req.PlayerID) == "" || strings.TrimSpace(req.TxHash) == "" {
		writeError(w, http.StatusBadRequest, errors.New("playerId and txHash required"))
		return
	}
	verification, err := s.engine.ConfirmPayment(r.Context(), gameID, req.PlayerID, req.TxHash)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]interface{}{
			"error":        err.Error(),
			"verification": verification,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payer":        verification.Payer.Hex(),
		"verification": verification,
	})
}

// authenticated reads the request body and validates the HMAC headers.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) ([]byte, *auth.Principal, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return nil, nil, false
	}
	if len(body) > maxRequestBody {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return nil, nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return nil, nil, false
	}
	return body, principal, true
}

func parseGameID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "gameID")
	gameID, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid game id %q", raw)
	}
	return gameID, nil
}

func statusForEngineError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrGameSettled),
		errors.Is(err, engine.ErrGameCancelled),
		errors.Is(err, engine.ErrUnpaidParticipants):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidSchedule),
		errors.Is(err, engine.ErrWinnerMismatch),
		errors.Is(err, engine.ErrDuplicateWinners):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrContractInactive):
		return http.StatusConflict
	case errors.Is(err, engine.ErrSettleUnconfirmed),
		errors.Is(err, engine.ErrPostBroadcastPersistence):
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// timeoutsFor builds the production HTTP server around the handler.
func timeoutsFor(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
