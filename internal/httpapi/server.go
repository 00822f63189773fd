// Package httpapi exposes the query service and the refresh controls over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"dirsync/internal/coordinator"
	"dirsync/internal/errs"
	"dirsync/internal/query"
)

const defaultPageSize = 20

// Refresher is the part of the coordinator the API drives.
type Refresher interface {
	Force(scope string)
	ForceAll()
	Statuses() []coordinator.Status
	StalenessBound() time.Duration
}

type Config struct {
	Addr      string
	Query     *query.Service
	Refresher Refresher
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type Server struct {
	addr    string
	q       *query.Service
	refresh Refresher
	metrics http.Handler
	logger  *slog.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		addr:    cfg.Addr,
		q:       cfg.Query,
		refresh: cfg.Refresher,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.requestLogger,
		middleware.Recoverer,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Get("/categories", s.listCategories)
	r.Get("/categories/{id}/listings", s.listListings)
	r.Get("/listings/{id}/related", s.relatedListings)

	r.Route("/internal", func(r chi.Router) {
		r.Post("/refresh", s.forceRefresh)
		r.Get("/status", s.status)
	})
	return r
}

// Serve listens on the configured address and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting http server", "addr", s.addr)

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Debug("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	rows, err := s.q.ListCategories(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) listListings(w http.ResponseWriter, r *http.Request) {
	const op = "list listings"
	qs := r.URL.Query()
	page, err := intParam(qs.Get("page"), 1)
	if err != nil {
		s.writeError(w, errs.Query(op, "page: %v", err))
		return
	}
	size, err := intParam(qs.Get("size"), defaultPageSize)
	if err != nil {
		s.writeError(w, errs.Query(op, "size: %v", err))
		return
	}
	res, err := s.q.ListListingsForCategory(r.Context(), query.ListingsRequest{
		CategoryID: chi.URLParam(r, "id"),
		Page:       page,
		Size:       size,
		Sort:       query.Sort(qs.Get("sort")),
		Tenant:     qs.Get("tenant"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) relatedListings(w http.ResponseWriter, r *http.Request) {
	const op = "related listings"
	qs := r.URL.Query()
	limit, err := intParam(qs.Get("limit"), 0)
	if err != nil {
		s.writeError(w, errs.Query(op, "limit: %v", err))
		return
	}
	req := query.RelatedRequest{ListingID: chi.URLParam(r, "id"), Limit: limit, Tenant: qs.Get("tenant")}
	if v := qs.Get("radiusKm"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, errs.Query(op, "radiusKm: %v", err))
			return
		}
		req.RadiusKm = &radius
	}
	res, err := s.q.RelatedListings(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) forceRefresh(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		s.refresh.ForceAll()
	} else {
		s.refresh.Force(scope)
	}
	s.logger.Info("forced refresh requested", "scope", scope)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "scope": scope})
}

type statusResponse struct {
	StalenessBound string               `json:"staleness_bound"`
	Scopes         []coordinator.Status `json:"scopes"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		StalenessBound: s.refresh.StalenessBound().String(),
		Scopes:         s.refresh.Statuses(),
	})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errs.Kind `json:"code"`
	Message string    `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := kind.HTTPStatus()
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
