// Package httpapi exposes the booking engine as a JSON API over gin.
// Callers authenticate with an HS256 bearer token whose subject is their
// user id.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"roombook/internal/booking"
	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/clock"
	"roombook/internal/model"
	logx "roombook/pkg/logx"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Engine is the part of booking.Engine the API calls.
type Engine interface {
	Create(ctx context.Context, actor model.Actor, req booking.CreateRequest) (model.Reservation, error)
	Confirm(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error)
	Cancel(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error)
	Finish(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error)
	Extend(ctx context.Context, id int64, actor model.Actor, delta time.Duration) (time.Time, error)
	Get(ctx context.Context, id int64, actor model.Actor) (booking.View, error)
	ListOwn(ctx context.Context, actor model.Actor, w booking.Window) ([]booking.View, error)
	ListByResource(ctx context.Context, resourceID int64, w booking.Window) ([]booking.View, error)
	ListByDate(ctx context.Context, d calendar.Date, w booking.Window) ([]booking.View, error)
	FreeSlots(ctx context.Context, resourceID int64, d calendar.Date) ([]calendar.Interval, error)
	Next(ctx context.Context, resourceID int64) (booking.View, bool, error)
	Calendar() *calendar.Calendar
}

type Config struct {
	Addr         string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the collaborators of the API. IsAdmin is consulted per request so
// admin list reloads apply immediately.
type Deps struct {
	Engine  Engine
	Catalog catalog.Catalog
	Clock   clock.Clock
	IsAdmin func(userID int64) bool
	// Health, when set, is reported under "tasks" by /healthz.
	Health func() any
	Log    logx.Logger
}

type Server struct {
	cfg     Config
	eng     Engine
	catalog catalog.Catalog
	clock   clock.Clock
	isAdmin func(int64) bool
	health  func() any
	log     logx.Logger
	router  *gin.Engine

	mu  sync.Mutex
	srv *http.Server
}

func New(d Deps, cfg Config) (*Server, error) {
	if d.Engine == nil || d.Catalog == nil {
		return nil, errors.New("httpapi: engine and catalog are required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("httpapi: jwt secret is required")
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.IsAdmin == nil {
		d.IsAdmin = func(int64) bool { return false }
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		eng:     d.Engine,
		catalog: d.Catalog,
		clock:   d.Clock,
		isAdmin: d.IsAdmin,
		health:  d.Health,
		log:     d.Log.With(logx.String("comp", "http")),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"ok": true}
	if s.health != nil {
		body["tasks"] = s.health()
	}
	c.JSON(http.StatusOK, body)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

var releaseMode sync.Once

func (s *Server) routes() *gin.Engine {
	releaseMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	r := gin.New()
	r.Use(s.requestID(), s.accessLog(), gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("handler panic", requestField(c), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}))

	r.GET("/healthz", s.healthz)

	api := r.Group("/api/v1", s.authMiddleware())
	{
		api.GET("/resources", s.listResources)
		api.GET("/resources/:id/reservations", s.listByResource)
		api.GET("/resources/:id/slots", s.freeSlots)
		api.GET("/resources/:id/next", s.next)
		api.GET("/days/:date/reservations", s.listByDate)

		res := api.Group("/reservations")
		{
			res.POST("", s.create)
			res.GET("", s.listOwn)
			res.GET("/:id", s.get)
			res.POST("/:id/confirm", s.confirm)
			res.POST("/:id/cancel", s.cancel)
			res.POST("/:id/finish", s.finish)
			res.POST("/:id/extend", s.extend)
		}
	}
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

const requestIDHeader = "X-Request-ID"

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set("rid", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		s.log.Debug("http request",
			requestField(c),
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(began)),
		)
	}
}

func requestField(c *gin.Context) logx.Field { return logx.String("rid", c.GetString("rid")) }

func errField(err error) logx.Field { return logx.Err(err) }
