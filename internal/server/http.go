package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"SettleCore/internal/ingestion"
	"SettleCore/internal/observability"
	"SettleCore/internal/persistence"
	"SettleCore/internal/projection"
	"SettleCore/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HTTPServer serves the query, ingest, and admin APIs over HTTP/JSON.
type HTTPServer struct {
	server *http.Server
	log    zerolog.Logger
}

// Deps holds the dependencies the HTTP handlers need.
type Deps struct {
	DB            *sql.DB
	Query         *query.Service
	Inject        *ingestion.InjectService
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker
	Log           zerolog.Logger
}

func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", deps.HealthChecker.LivenessHandler)
	r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/accounts/{account}/balances/{asset}", h.getBalance)
		r.Get("/accounts/{account}/accruals", h.listAccruals)
		r.Get("/accounts/{account}/entries", h.getEntryHistory)
		r.Get("/accounts/{account}/intents", h.listIntents)
		r.Get("/accounts/{account}/volume/{asset}", h.getVolumeUsage)
		r.Get("/intents/{intentID}", h.getIntent)

		r.Post("/ingest/deposits", h.injectDeposit)
		r.Post("/ingest/withdrawals", h.injectWithdrawal)
		r.Post("/ingest/claims", h.injectClaim)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/integrity", h.verifyIntegrity)
			r.Get("/log-info", h.getLogInfo)
			r.Get("/solvency", h.getSolvencyStatus)
			r.Post("/rebuild-projections", h.rebuildProjections)
			r.Get("/timelock/proposals", h.listProposals)
			r.Post("/timelock/propose", h.timelockPropose)
			r.Post("/timelock/execute", h.timelockExecute)
			r.Post("/timelock/cancel", h.timelockCancel)
			r.Post("/compliance/refresh", h.complianceRefresh)
			r.Post("/compliance/invalidate", h.complianceInvalidate)
		})
	})

	return &HTTPServer{
		server: &http.Server{Addr: addr, Handler: r},
		log:    deps.Log.With().Str("component", "http_server").Logger(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type handlers struct {
	deps *Deps
}

// --- query handlers ---

func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}
	asset := chi.URLParam(r, "asset")

	bal, err := h.deps.Query.GetBalance(r.Context(), account, asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *handlers) listAccruals(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}

	accruals, err := h.deps.Query.ListAccruals(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accruals": accruals})
}

func (h *handlers) getEntryHistory(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}

	limit, before := paginationParams(r, 100, 500)
	entries, err := h.deps.Query.GetEntryHistory(r.Context(), account, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *handlers) listIntents(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}

	limit, before := paginationParams(r, 50, 100)
	intents, err := h.deps.Query.ListIntents(r.Context(), account, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intents": intents})
}

func (h *handlers) getIntent(w http.ResponseWriter, r *http.Request) {
	intentID, err := uuid.Parse(chi.URLParam(r, "intentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid intent id")
		return
	}

	intent, err := h.deps.Query.GetIntent(r.Context(), intentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if intent == nil {
		writeError(w, http.StatusNotFound, "intent not found")
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (h *handlers) getVolumeUsage(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}
	asset := chi.URLParam(r, "asset")

	window := 24 * time.Hour
	if s := r.URL.Query().Get("window_hours"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 24*30 {
			window = time.Duration(n) * time.Hour
		}
	}

	usage, err := h.deps.Query.GetVolumeUsage(r.Context(), account, asset, window, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// --- ingest handlers ---

func (h *handlers) injectDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account   string `json:"account"`
		Asset     string `json:"asset"`
		Requested uint64 `json:"requested"`
		Actual    uint64 `json:"actual"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	account, err := uuid.Parse(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}
	if req.Actual == 0 {
		req.Actual = req.Requested
	}

	if err := h.deps.Inject.InjectDeposit(r.Context(), account, req.Asset, req.Requested, req.Actual); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *handlers) injectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
		Amount  uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	account, err := uuid.Parse(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}

	if err := h.deps.Inject.InjectWithdrawal(r.Context(), account, req.Asset, req.Amount); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *handlers) injectClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string `json:"recipient"`
		Asset     string `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	recipient, err := uuid.Parse(req.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recipient")
		return
	}

	if err := h.deps.Inject.InjectClaim(r.Context(), recipient, req.Asset); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// --- admin handlers ---

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) getLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := h.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_sequence": latestSeq})
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.Rebuild(r.Context(), h.deps.DB, h.deps.Log); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (h *handlers) timelockPropose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key      string          `json:"key"`
		NewValue json.RawMessage `json:"new_value"`
		DelayUs  int64           `json:"delay_us"`
		Proposer string          `json:"proposer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	proposer, err := uuid.Parse(req.Proposer)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposer")
		return
	}

	delay := time.Duration(req.DelayUs) * time.Microsecond
	proposalID, err := h.deps.Inject.InjectTimelockPropose(r.Context(), req.Key, req.NewValue, delay, proposer)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":    true,
		"proposal_id": proposalID,
	})
}

func (h *handlers) listProposals(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	limit, _ := paginationParams(r, 50, 200)

	proposals, err := h.deps.Query.ListProposals(r.Context(), state, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": proposals})
}

func (h *handlers) getSolvencyStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.deps.Query.GetSolvencyStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assets": statuses})
}

func (h *handlers) timelockCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID string `json:"proposal_id"`
		Caller     string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	proposalID, err := uuid.Parse(req.ProposalID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	caller, err := uuid.Parse(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid caller")
		return
	}

	if err := h.deps.Inject.InjectTimelockCancel(r.Context(), proposalID, caller); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *handlers) complianceInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	account, err := uuid.Parse(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}

	if err := h.deps.Inject.InjectComplianceInvalidate(r.Context(), account, req.Asset); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *handlers) timelockExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	proposalID, err := uuid.Parse(req.ProposalID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}

	if err := h.deps.Inject.InjectTimelockExecute(r.Context(), proposalID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *handlers) complianceRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Asset   string `json:"asset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	account, err := uuid.Parse(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}

	if err := h.deps.Inject.InjectComplianceRefresh(r.Context(), account, req.Asset); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// --- helpers ---

func paginationParams(r *http.Request, defaultLimit, maxLimit int) (int, *int64) {
	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}

	var before *int64
	if s := r.URL.Query().Get("before_sequence"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			before = &n
		}
	}
	return limit, before
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
