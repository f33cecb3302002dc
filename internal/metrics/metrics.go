package metrics

import (
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Fix ingestion
	FixesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_fixes_total",
			Help: "Fixes delivered to the session controller",
		},
		[]string{"result"}, // accepted or stale
	)

	StreamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "triptrack_stream_errors_total",
			Help: "Transient errors reported by fix subscriptions",
		},
	)

	// Session lifecycle
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_state_transitions_total",
			Help: "Tracking state transitions",
		},
		[]string{"from", "to"},
	)

	RejectedCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_rejected_commands_total",
			Help: "Commands refused because the current state does not allow them",
		},
		[]string{"command", "state"},
	)

	SessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triptrack_session_active",
			Help: "1 while a session is being recorded",
		},
	)

	SessionDistance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triptrack_session_distance_meters",
			Help: "Distance covered by the current session",
		},
	)

	TripsFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "triptrack_trips_finalized_total",
			Help: "Trips written as completed",
		},
	)

	// Persistence
	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_persistence_failures_total",
			Help: "Failed persistence jobs",
		},
		[]string{"job"},
	)

	PersistenceQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triptrack_persistence_queue_depth",
			Help: "Persistence jobs waiting to run",
		},
	)

	// Observers
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triptrack_stream_subscribers",
			Help: "Local snapshot subscribers",
		},
	)

	HistoryCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triptrack_history_cache_lookups_total",
			Help: "Completed-trip cache lookups",
		},
		[]string{"result"}, // hit or miss
	)
)

func init() {
	prometheus.MustRegister(
		FixesTotal,
		StreamErrors,
		Transitions,
		RejectedCommands,
		SessionActive,
		SessionDistance,
		TripsFinalized,
		PersistenceFailures,
		PersistenceQueueDepth,
		StreamSubscribers,
		HistoryCacheLookups,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
}

func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener serves on a pre-opened listener, e.g. one passed by systemd.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

func (s *Server) Start() {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}

func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
