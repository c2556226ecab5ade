package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/dmistats/internal/ingest"
	"github.com/lox/dmistats/internal/store"
)

// SeriesFetcher retrieves ad-hoc time series straight from the provider.
type SeriesFetcher interface {
	FetchRange(ctx context.Context, q ingest.Query) ([]ingest.Record, error)
}

type Config struct {
	Addr string
	// ObservationsPerMinute limits provider-backed requests per client IP.
	ObservationsPerMinute int
	Now                   func() time.Time
}

type Server struct {
	stats   *store.StatsStore
	fetcher SeriesFetcher
	cfg     Config
	log     zerolog.Logger
}

func NewServer(stats *store.StatsStore, fetcher SeriesFetcher, cfg Config, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ObservationsPerMinute <= 0 {
		cfg.ObservationsPerMinute = 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		stats:   stats,
		fetcher: fetcher,
		cfg:     cfg,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stations", s.handleStations)
		r.Get("/parameters", s.handleParameters)

		r.Route("/stations/{station}", func(r chi.Router) {
			r.Get("/extremes", s.handleExtremes)
			r.Get("/monthly-average", s.handleMonthlyAverage)
			r.Get("/period", s.handlePeriod)
			r.Get("/daily", s.handleDaily)
			r.Get("/monthly", s.handleMonthly)
		})

		r.With(httprate.Limit(
			s.cfg.ObservationsPerMinute,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByRealIP),
		)).Get("/observations", s.handleObservations)
	})

	return r
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
