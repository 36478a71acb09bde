package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/security"
)

const defaultDeadLetterLimit = 50

// Handler returns the HTTP surface:
//
//	GET  /metrics                      Prometheus gauges
//	GET  /healthz                      one watchdog pass; 503 when critical
//	GET  /jobs/{id}                    a collection or verification job
//	POST /jobs/{id}/stop               operator stop
//	POST /jobs/backfill                create a backfill job
//	POST /verifications                enqueue a verification job
//	GET  /queues/{queue}/dead-letters  dead-lettered messages
func (p *Pipeline) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(p.loggingMiddleware)

	r.Method(http.MethodGet, "/metrics", p.Metrics.Handler())
	r.Get("/healthz", p.handleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/backfill", p.handleBackfill)
		r.Get("/{id}", p.handleGetJob)
		r.Post("/{id}/stop", p.handleStop)
	})
	r.With(middleware.Timeout(30*time.Second)).Post("/verifications", p.handleVerify)
	r.Get("/queues/{queue}/dead-letters", p.handleDeadLetters)
	return r
}

func (p *Pipeline) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		p.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (p *Pipeline) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := p.Health(r.Context())
	if err != nil {
		p.writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if report.Status == core.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	p.writeJSON(w, status, report)
}

type jobResponse struct {
	Kind         string                `json:"kind"`
	Job          *core.Job             `json:"job,omitempty"`
	Verification *core.VerificationJob `json:"verification,omitempty"`
}

func (p *Pipeline) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := p.Store.GetJob(r.Context(), id)
	if err == nil {
		p.writeJSON(w, http.StatusOK, jobResponse{Kind: KindCollection, Job: job})
		return
	}
	if !errors.Is(err, core.ErrJobNotFound) {
		p.writeError(w, http.StatusInternalServerError, err)
		return
	}
	v, err := p.Store.GetVerificationJob(r.Context(), id)
	if err != nil {
		p.writeError(w, statusFor(err), err)
		return
	}
	p.writeJSON(w, http.StatusOK, jobResponse{Kind: KindVerification, Verification: v})
}

func (p *Pipeline) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kind, err := p.Stop(r.Context(), id)
	if err != nil {
		p.writeError(w, statusFor(err), err)
		return
	}
	p.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "kind": kind})
}

type backfillRequest struct {
	StockCode string `json:"stock_code"`
	Days      int    `json:"days"`
	Offset    int    `json:"offset"`
}

func (p *Pipeline) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := p.Backfill(r.Context(), req.StockCode, req.Days, req.Offset)
	if err != nil {
		p.writeError(w, statusFor(err), err)
		return
	}
	p.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

type verifyRequest struct {
	StockCode string                  `json:"stock_code"`
	VType     core.VerificationType   `json:"v_type"`
	Params    core.VerificationParams `json:"params"`
}

func (p *Pipeline) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := p.Verify(r.Context(), req.StockCode, req.VType, req.Params)
	if err != nil {
		p.writeError(w, statusFor(err), err)
		return
	}
	p.writeJSON(w, http.StatusAccepted, map[string]string{"v_job_id": id})
}

func (p *Pipeline) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if err := security.ValidateQueueName(queue); err != nil {
		p.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := defaultDeadLetterLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			p.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	msgs, err := p.Broker.DeadLetters(r.Context(), queue, limit)
	if err != nil {
		p.writeError(w, statusFor(err), err)
		return
	}
	p.writeJSON(w, http.StatusOK, msgs)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTerminalStatus), errors.Is(err, core.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidParams),
		errors.Is(err, core.ErrInvalidStockCode),
		errors.Is(err, core.ErrInvalidQueueName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (p *Pipeline) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		p.Logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (p *Pipeline) writeError(w http.ResponseWriter, status int, err error) {
	p.writeJSON(w, status, map[string]string{"error": security.SanitizeErrorMessage(err.Error())})
}
