// Package httpapi exposes readings, tariffs, billing, rollbacks, audit reports
// and CSP violation intake over JSON HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/utility-billing/internal/audit"
	"github.com/septivank/utility-billing/internal/billing"
	"github.com/septivank/utility-billing/internal/reading"
	"github.com/septivank/utility-billing/internal/security"
	"github.com/septivank/utility-billing/internal/service"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Deps are the services behind the API
type Deps struct {
	fx.In

	Store      store.Store
	Requests   *validator.RequestValidator
	Collector  *reading.Collector
	Tariffs    *service.TariffService
	Calculator *billing.Calculator
	Billing    *billing.Run
	Tracker    *audit.Tracker
	Rollbacks  *audit.RollbackService
	Reporter   *audit.Reporter
	Security   *security.Recorder
	Logger     *zap.Logger
}

// API holds the HTTP handlers
type API struct {
	store      store.Store
	requests   *validator.RequestValidator
	collector  *reading.Collector
	tariffs    *service.TariffService
	calculator *billing.Calculator
	billing    *billing.Run
	tracker    *audit.Tracker
	rollbacks  *audit.RollbackService
	reporter   *audit.Reporter
	security   *security.Recorder
	logger     *zap.Logger
}

// New creates the API
func New(d Deps) *API {
	return &API{
		store:      d.Store,
		requests:   d.Requests,
		collector:  d.Collector,
		tariffs:    d.Tariffs,
		calculator: d.Calculator,
		billing:    d.Billing,
		tracker:    d.Tracker,
		rollbacks:  d.Rollbacks,
		reporter:   d.Reporter,
		security:   d.Security,
		logger:     d.Logger,
	}
}

// Routes builds the router with every endpoint registered
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/readings", func(r chi.Router) {
			r.Post("/", a.createReading)
			r.Put("/{id}", a.updateReading)
			r.Post("/batch-status", a.batchUpdateStatus)
			r.Post("/import", a.importReadings)
			r.Post("/estimate", a.estimateReading)
		})

		r.Route("/tariffs", func(r chi.Router) {
			r.Post("/", a.createTariff)
			r.Put("/{id}", a.updateTariff)
			r.Post("/validate", a.validateTariff)
		})

		r.Post("/billing/calculate", a.calculateCost)

		r.Route("/rollbacks", func(r chi.Router) {
			r.Post("/", a.performRollback)
			r.Post("/bulk", a.bulkRollback)
			r.Get("/history", a.rollbackHistory)
			r.Get("/{id}/validation", a.validateRollback)
			r.Post("/{id}/revert", a.revertRollback)
		})

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/billing", a.tenantBilling)
			r.Post("/readings/collect", a.collectReadings)
			r.Get("/changes", a.tenantChanges)
			r.Get("/change-patterns", a.changePatterns)
			r.Get("/rollback-candidates", a.rollbackCandidates)
			r.Get("/audit-report", a.auditReport)
		})

		r.Post("/security/csp-report", a.cspReport)
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
