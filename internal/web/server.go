package web

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"triptrack/internal/config"
	"triptrack/internal/export"
	"triptrack/internal/fix"
	"triptrack/internal/history"
	"triptrack/internal/session"
	"triptrack/internal/storage"
	"triptrack/internal/stream"
	"triptrack/internal/trip"
)

// Tracker is the session surface exposed over HTTP.
type Tracker interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) (trip.Trip, error)
	Reset(ctx context.Context) error
	LoadInitialLocation(ctx context.Context) (trip.LocationSample, bool)
	Snapshot() session.Snapshot
}

type History interface {
	List(ctx context.Context, completedOnly bool) ([]trip.Trip, error)
	Detail(ctx context.Context, id int64) (history.Detail, error)
	Samples(ctx context.Context, id int64) ([]trip.LocationSample, error)
	Delete(ctx context.Context, id int64) error
	Totals(ctx context.Context) (history.Totals, error)
	Export(ctx context.Context, w io.Writer, id int64, f export.Format) error
	ExportAll(ctx context.Context, w io.Writer, now time.Time) error
}

type Preferences interface {
	Tracking() config.TrackingPrefs
	SetTracking(prefs config.TrackingPrefs) error
	Reset() error
}

type Deps struct {
	Tracker     Tracker
	History     History
	Preferences Preferences
	Hub         *stream.Hub
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Server struct {
	App *fiber.App

	tracker Tracker
	history History
	prefs   Preferences
	hub     *stream.Hub
	logger  zerolog.Logger
	now     func() time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		tracker: deps.Tracker,
		history: deps.History,
		prefs:   deps.Preferences,
		hub:     deps.Hub,
		logger:  deps.Logger.With().Str("component", "web").Logger(),
		now:     deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.App = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.App.Use(recover.New())
	s.App.Use(s.accessLog)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.App.Group("/api")

	sess := api.Group("/session")
	sess.Get("/", s.Snapshot)
	sess.Post("/start", s.command(s.tracker.Start))
	sess.Post("/pause", s.command(s.tracker.Pause))
	sess.Post("/resume", s.command(s.tracker.Resume))
	sess.Post("/reset", s.command(s.tracker.Reset))
	sess.Post("/stop", s.Stop)
	sess.Post("/locate", s.Locate)

	trips := api.Group("/trips")
	trips.Get("/", s.ListTrips)
	trips.Get("/totals", s.Totals)
	trips.Get("/export", s.ExportAll)
	trips.Get("/:id", s.TripDetail)
	trips.Get("/:id/samples", s.TripSamples)
	trips.Get("/:id/export", s.ExportTrip)
	trips.Delete("/:id", s.DeleteTrip)

	prefs := api.Group("/preferences")
	prefs.Get("/", s.GetPreferences)
	prefs.Put("/", s.PutPreferences)
	prefs.Delete("/", s.ResetPreferences)

	if s.hub != nil {
		s.App.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		s.App.Get("/ws/session", websocket.New(s.streamSession))
	}
}

func (s *Server) Snapshot(c *fiber.Ctx) error {
	return c.JSON(s.tracker.Snapshot())
}

// command adapts a session operation that only reports an error.
func (s *Server) command(op func(context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := op(c.UserContext()); err != nil {
			return err
		}
		return c.JSON(s.tracker.Snapshot())
	}
}

func (s *Server) Stop(c *fiber.Ctx) error {
	finished, err := s.tracker.Stop(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(finished)
}

func (s *Server) Locate(c *fiber.Ctx) error {
	sample, ok := s.tracker.LoadInitialLocation(c.UserContext())
	if !ok {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(sample)
}

func (s *Server) ListTrips(c *fiber.Ctx) error {
	trips, err := s.history.List(c.UserContext(), c.QueryBool("completed", false))
	if err != nil {
		return err
	}
	if trips == nil {
		trips = []trip.Trip{}
	}
	return c.JSON(trips)
}

func (s *Server) Totals(c *fiber.Ctx) error {
	totals, err := s.history.Totals(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(totals)
}

func (s *Server) TripDetail(c *fiber.Ctx) error {
	id, err := tripID(c)
	if err != nil {
		return err
	}
	detail, err := s.history.Detail(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(detail)
}

func (s *Server) TripSamples(c *fiber.Ctx) error {
	id, err := tripID(c)
	if err != nil {
		return err
	}
	samples, err := s.history.Samples(c.UserContext(), id)
	if err != nil {
		return err
	}
	if samples == nil {
		samples = []trip.LocationSample{}
	}
	return c.JSON(samples)
}

func (s *Server) DeleteTrip(c *fiber.Ctx) error {
	id, err := tripID(c)
	if err != nil {
		return err
	}
	if err := s.history.Delete(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) ExportTrip(c *fiber.Ctx) error {
	id, err := tripID(c)
	if err != nil {
		return err
	}
	format, err := export.ParseFormat(c.Query("format", string(export.FormatCSV)))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	// buffered so a failed export can still set the status
	var body bytes.Buffer
	if err := s.history.Export(c.UserContext(), &body, id, format); err != nil {
		return err
	}
	c.Attachment(export.Filename(&trip.Trip{ID: id}, format, s.now()))
	c.Set(fiber.HeaderContentType, export.ContentType(format))
	return c.Send(body.Bytes())
}

func (s *Server) ExportAll(c *fiber.Ctx) error {
	var body bytes.Buffer
	now := s.now()
	if err := s.history.ExportAll(c.UserContext(), &body, now); err != nil {
		return err
	}
	c.Attachment(export.Filename(nil, export.FormatCSV, now))
	c.Set(fiber.HeaderContentType, export.ContentType(export.FormatCSV))
	return c.Send(body.Bytes())
}

func (s *Server) GetPreferences(c *fiber.Ctx) error {
	return c.JSON(s.prefs.Tracking())
}

func (s *Server) PutPreferences(c *fiber.Ctx) error {
	prefs := s.prefs.Tracking()
	if err := c.BodyParser(&prefs); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := s.prefs.SetTracking(prefs); err != nil {
		return err
	}
	return c.JSON(s.prefs.Tracking())
}

func (s *Server) ResetPreferences(c *fiber.Ctx) error {
	if err := s.prefs.Reset(); err != nil {
		return err
	}
	return c.JSON(s.prefs.Tracking())
}

func (s *Server) streamSession(c *websocket.Conn) {
	client := s.hub.Register()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range client.Send {
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.Unregister(client)
	<-done
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = statusFor(err)
		}
	}
	s.logger.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("Request")
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, history.ErrInProgress):
		return fiber.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, fix.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, config.ErrInvalidPreferences):
		return fiber.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func tripID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid trip id")
	}
	return id, nil
}
