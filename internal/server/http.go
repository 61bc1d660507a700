package server

import (
	"bonus_sync/internal/admin"
	"bonus_sync/internal/progress"
	"bonus_sync/internal/repo"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// DealProcessor refreshes one deal on demand.
type DealProcessor interface {
	ProcessDeal(ctx context.Context, id int64, bonusCalc bool) (repo.DealRecord, error)
}

type ProgressReader interface {
	Load() (*progress.Checkpoint, error)
	Fresh(cp *progress.Checkpoint) bool
}

type DealReader interface {
	ListDeals(ctx context.Context) ([]repo.DealRow, error)
	GetSyncStatus(ctx context.Context, key string) (repo.SyncStatus, error)
}

type Options struct {
	AllowedUserIDs     []string
	RateLimitPerMinute int
	StateKey           string
}

type Server struct {
	admin    *admin.Service
	deals    DealProcessor
	store    DealReader
	progress ProgressReader
	opts     Options
	allowed  map[string]bool
	logger   *zap.Logger
}

func New(adminSvc *admin.Service, deals DealProcessor, store DealReader, tracker ProgressReader, opts Options, logger *zap.Logger) *Server {
	allowed := make(map[string]bool, len(opts.AllowedUserIDs))
	for _, id := range opts.AllowedUserIDs {
		if id != "" {
			allowed[id] = true
		}
	}

	return &Server{
		admin:    adminSvc,
		deals:    deals,
		store:    store,
		progress: tracker,
		opts:     opts,
		allowed:  allowed,
		logger:   logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	if s.opts.RateLimitPerMinute > 0 {
		r.Use(httprate.Limit(
			s.opts.RateLimitPerMinute,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.allowList)

		r.Get("/api", s.handleAPI)
		r.Post("/api", s.handleAPI)

		r.Get("/webhook/deal", s.handleDealWebhook)
		r.Post("/webhook/deal", s.handleDealWebhook)

		r.Get("/progress", s.handleProgress)
		r.Get("/deals/sheets", s.handleDealsSheets)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
