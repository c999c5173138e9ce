package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/config"
	"github.com/careportal/careportal/internal/domain/messaging"
	"github.com/careportal/careportal/internal/domain/moderation"
	"github.com/careportal/careportal/internal/domain/presence"
	"github.com/careportal/careportal/internal/domain/scheduling"
	"github.com/careportal/careportal/internal/gateway"
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/internal/platform/db"
	"github.com/careportal/careportal/internal/platform/events"
	"github.com/careportal/careportal/internal/platform/jobs"
	"github.com/careportal/careportal/internal/platform/middleware"
	"github.com/careportal/careportal/internal/platform/notification"
	"github.com/careportal/careportal/internal/platform/slotlock"
	"github.com/careportal/careportal/internal/platform/websocket"
	"github.com/careportal/careportal/pkg/session"
)

const (
	eventQueueSize = 1024
	requestTimeout = 30 * time.Second
)

// server is the assembled process. Shutdown releases it in dependency order.
type server struct {
	echo       *echo.Echo
	hub        *websocket.Hub
	presence   *presence.Registry
	scheduling *scheduling.Service
	propagator *moderation.Propagator
	invites    *messaging.Invites
	scheduler  *jobs.Scheduler
	observer   *gateway.Observer
	publisher  events.Publisher
	notifier   *notification.Notifier
	closers    []func()
	logger     zerolog.Logger
}

type repositories struct {
	scheduling scheduling.Repository
	messaging  messaging.Repository
	moderation moderation.Repository
}

// buildServer wires every component. With memory set the repositories are
// in-process and DATABASE_URL is not used.
func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, memory bool) (*server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}
	s := &server{logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.echo = e

	var repos repositories
	if memory {
		repos = repositories{
			scheduling: scheduling.NewMemoryRepository(),
			messaging:  messaging.NewMemoryRepository(),
			moderation: moderation.NewMemoryRepository(),
		}
		logger.Warn().Msg("running with in-memory storage; state is lost on restart")
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		logger.Info().Msg("connected to database")
		repos = repositories{
			scheduling: scheduling.NewRepoPG(pool),
			messaging:  messaging.NewRepoPG(pool),
			moderation: moderation.NewRepoPG(pool),
		}
		e.GET("/health/db", db.HealthHandler(pool))
	}

	var locker scheduling.Locker
	if cfg.RedisURL != "" {
		rdb, err := slotlock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		locker = slotlock.NewRedisLocker(rdb, cfg.SlotLockTTL, logger)
		logger.Info().Msg("slot locks held in redis")
	} else {
		locker = slotlock.NewMemoryLocker(cfg.SlotLockTTL)
	}

	var sink events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		sink = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing domain events to kafka")
	}
	s.publisher = events.NewAsyncPublisher(sink, eventQueueSize, logger)
	s.notifier = newNotifier(cfg, logger)

	// Real-time core.
	s.hub = websocket.NewHub(logger)
	s.presence = presence.NewRegistry()
	s.scheduling = scheduling.NewService(repos.scheduling,
		scheduling.WithLocker(locker),
		scheduling.WithLocation(loc),
		scheduling.WithSlotLength(cfg.SlotLength),
		scheduling.WithLogger(logger),
	)
	fanout := messaging.NewFanout(s.presence, s.hub, logger)
	msgSvc := messaging.NewService(repos.messaging, fanout, s.scheduling, logger)
	s.invites = messaging.NewInvites(fanout, s.scheduling, cfg.InviteTimeout, logger)
	s.observer = gateway.NewObserver(msgSvc, s.hub, s.invites, s.publisher, s.notifier, logger)
	s.scheduling.AddObserver(s.observer)
	s.propagator = moderation.NewPropagator(repos.moderation, s.hub, logger,
		moderation.WithListener(s.observer.BlockListener(s.presence)))
	if err := s.propagator.Warm(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("load block list: %w", err)
	}

	rateCfg := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rateCfg.RequestsPerSecond <= 0 {
		rateCfg = middleware.DefaultRateLimitConfig()
	}
	gw := gateway.New(gateway.Deps{
		Hub:        s.hub,
		Presence:   s.presence,
		Scheduling: s.scheduling,
		Messaging:  msgSvc,
		Invites:    s.invites,
		Moderation: s.propagator,
		Limiter:    middleware.NewLimiter(rateCfg),
	}, logger)
	dispatcher := websocket.NewDispatcher(s.hub, logger)
	gw.Bind(dispatcher)

	// Periodic jobs.
	s.scheduler = jobs.NewScheduler(loc, logger)
	for _, job := range []jobs.Job{
		jobs.CompletionSweep(cfg.CompletionSchedule, s.scheduling, logger),
		jobs.Reminders(cfg.ReminderSchedule, s.scheduling, s.notifier, logger),
	} {
		if err := s.scheduler.Add(job); err != nil {
			s.close()
			return nil, err
		}
	}

	// Global middleware.
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.HeaderActorID, auth.HeaderActorRole, auth.HeaderActorEmail},
	}))
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(verifier, auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(verifier))
	}

	e.GET("/health", s.health)

	ws := websocket.NewWebSocketHandler(s.hub, dispatcher, logger, websocket.Options{
		SendBuffer:     cfg.WSSendBuffer,
		AllowedOrigins: cfg.CORSOrigins,
		Authenticate:   auth.HandshakeAuthenticator(verifier, cfg.IsDev()),
		OnDisconnect:   gw.OnDisconnect,
	})
	ws.RegisterRoutes(e)

	// The open group is reachable by blocked actors; everything else is not.
	open := e.Group("/api/v1", middleware.RateLimit(rateCfg), middleware.RequestTimeout(requestTimeout))
	api := open.Group("", moderation.RejectBlocked(s.propagator))

	scheduling.NewHandler(s.scheduling).RegisterRoutes(api)
	messaging.NewHandler(msgSvc).RegisterRoutes(api)
	presence.NewHandler(s.presence).RegisterRoutes(api)
	jobs.NewHandler(s.scheduler).RegisterRoutes(api)
	moderation.NewHandler(s.propagator, session.DefaultRoutes()).RegisterRoutes(api, open)

	return s, nil
}

// newVerifier returns nil when no key source is configured, which only
// development allows.
func newVerifier(cfg *config.Config) (*auth.Verifier, error) {
	if cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" && cfg.AuthIssuer == "" {
		if !cfg.IsDev() {
			return nil, errors.New("token verification is not configured")
		}
		return nil, nil
	}
	return auth.NewVerifier(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	})
}

// newNotifier picks SendGrid and Twilio when configured and falls back to
// logging the rendered message.
func newNotifier(cfg *config.Config, logger zerolog.Logger) *notification.Notifier {
	fallback := notification.LogSender{Logger: logger.With().Str("component", "notification").Logger()}

	var email notification.EmailSender = fallback
	if cfg.EmailEnabled() {
		email = notification.NewSendGridSender(cfg.SendGridAPIKey, cfg.SendGridFromEmail, cfg.SendGridFromName)
	}
	var sms notification.SMSSender = fallback
	if cfg.SMSEnabled() {
		sms = notification.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
	}
	return notification.NewNotifier(email, sms, notification.NewTemplateEngine(), logger)
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
}

func (s *server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.hub.ClientCount(),
		Online:      s.presence.OnlineCount(),
	})
}

// Shutdown stops accepting requests, closes live sockets, then drains jobs,
// deliveries and the event stream before releasing stores.
func (s *server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	s.hub.CloseAll()
	s.invites.Stop()
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobs: %w", err))
	}
	s.observer.Wait()
	s.presence.Reset()
	s.propagator.Reset()
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	s.close()
	return errors.Join(errs...)
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
