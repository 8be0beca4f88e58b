package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"doit/internal/app"
	"doit/internal/config"
	"doit/internal/dashboard"
	"doit/internal/ics"
	appLog "doit/internal/log"
	"doit/internal/model"
)

// Engine is what the handlers need from app.Engine.
type Engine interface {
	Summary(ctx context.Context, userID string) (dashboard.Summary, error)
	EventsOn(ctx context.Context, userID string, day time.Time) ([]dashboard.EventSummary, error)
	Pending() []model.ScheduledNotification
	Now() time.Time
	ExportCalendar(ctx context.Context, userID string) (string, error)
	RefreshSubscriptions(ctx context.Context) ([]ics.ImportResult, error)

	SaveReminder(ctx context.Context, userID string, r model.Reminder) (model.Reminder, app.ScheduleResult, error)
	DeleteReminder(ctx context.Context, userID, reminderID string) error
	SaveEvent(ctx context.Context, userID string, ev model.CalendarEvent) (model.CalendarEvent, app.ScheduleResult, error)
	DeleteEvent(ctx context.Context, userID, eventID string) error
	SaveSubject(ctx context.Context, userID string, s model.Subject) (model.Subject, error)
	DeleteSubject(ctx context.Context, userID, subjectID string) error
	SaveTask(ctx context.Context, userID string, t model.Task) (model.Task, error)
	DeleteTask(ctx context.Context, userID, subjectID, taskID string) error
	SaveNote(ctx context.Context, userID string, n model.Note) (model.Note, error)
	Notes(ctx context.Context, userID, subjectID string) ([]model.Note, error)
}

var _ Engine = (*app.Engine)(nil)

// Server exposes the engine over HTTP.
type Server struct {
	cfg    *config.Config
	engine Engine
	loc    *time.Location
	router *gin.Engine
}

func NewServer(cfg *config.Config, engine Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		loc:    resolveLocationOrLocal(cfg),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), requestLogger())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "HEAD"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	}))
	s.registerRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "basic_auth", s.cfg.BasicAuth.Enabled())
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	// /health is always served without auth.
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	if s.cfg.BasicAuth.Enabled() {
		api.Use(basicAuth(s.cfg.BasicAuth.Username, s.cfg.BasicAuth.Password))
	}

	api.GET("/notifications", s.handlePending)
	api.POST("/ics/refresh", s.handleRefresh)

	u := api.Group("/users/:uid")
	u.GET("/dashboard", s.handleDashboard)
	u.GET("/events", s.handleEventsOn)
	u.GET("/calendar.ics", s.handleCalendar)

	u.POST("/reminders", s.handleSaveReminder)
	u.PUT("/reminders/:id", s.handleSaveReminder)
	u.DELETE("/reminders/:id", s.handleDeleteReminder)

	u.POST("/events", s.handleSaveEvent)
	u.PUT("/events/:id", s.handleSaveEvent)
	u.DELETE("/events/:id", s.handleDeleteEvent)

	u.POST("/subjects", s.handleSaveSubject)
	u.PUT("/subjects/:sid", s.handleSaveSubject)
	u.DELETE("/subjects/:sid", s.handleDeleteSubject)

	u.POST("/subjects/:sid/tasks", s.handleSaveTask)
	u.PUT("/subjects/:sid/tasks/:id", s.handleSaveTask)
	u.DELETE("/subjects/:sid/tasks/:id", s.handleDeleteTask)

	u.GET("/subjects/:sid/notes", s.handleNotes)
	u.POST("/subjects/:sid/notes", s.handleSaveNote)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// basicAuth guards a route group with HTTP Basic Auth.
func basicAuth(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, p, ok := c.Request.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			c.Header("WWW-Authenticate", `Basic realm="DoIt", charset="UTF-8"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		appLog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

func resolveLocationOrLocal(cfg *config.Config) *time.Location {
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", cfg.Timezone)
		return time.Local
	}
	return loc
}
