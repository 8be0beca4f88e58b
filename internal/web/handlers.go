package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"doit/internal/app"
	appLog "doit/internal/log"
	"doit/internal/model"
	"doit/internal/timenorm"
)

type reminderRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// EndDate is the raw stored value; DueAt an absolute instant converted
	// to one. DueAt wins when both are set.
	EndDate timenorm.DateLike `json:"end_date"`
	DueAt   *time.Time        `json:"due_at"`
	Enabled *bool             `json:"enabled"`
}

type eventRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Date        timenorm.DateLike `json:"date"`
	At          *time.Time        `json:"at"`
}

type reminderResponse struct {
	Reminder model.Reminder     `json:"reminder"`
	Schedule app.ScheduleResult `json:"schedule"`
}

type eventResponse struct {
	Event    model.CalendarEvent `json:"event"`
	Schedule app.ScheduleResult  `json:"schedule"`
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, app.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, app.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		appLog.Error("request failed", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// created answers 201 for POST and 200 for PUT.
func created(c *gin.Context) int {
	if c.Request.Method == http.MethodPost {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (s *Server) handleDashboard(c *gin.Context) {
	sum, err := s.engine.Summary(c.Request.Context(), c.Param("uid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// handleEventsOn lists the events of one day.
//
// GET /api/users/:uid/events?date=2024-12-02 (default: today in the
// configured timezone)
func (s *Server) handleEventsOn(c *gin.Context) {
	day := s.engine.Now().In(s.loc)
	if q := c.Query("date"); q != "" {
		d, err := time.ParseInLocation("2006-01-02", q, s.loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day = d
	}
	events, err := s.engine.EventsOn(c.Request.Context(), c.Param("uid"), day)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": day.Format("2006-01-02"), "events": events})
}

func (s *Server) handleCalendar(c *gin.Context) {
	body, err := s.engine.ExportCalendar(c.Request.Context(), c.Param("uid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", []byte(body))
}

func (s *Server) handlePending(c *gin.Context) {
	pending := s.engine.Pending()
	if pending == nil {
		pending = []model.ScheduledNotification{}
	}
	c.JSON(http.StatusOK, gin.H{"items": pending})
}

func (s *Server) handleRefresh(c *gin.Context) {
	results, err := s.engine.RefreshSubscriptions(c.Request.Context())
	if err != nil {
		// Per-subscription failures; the successful ones are still reported.
		c.JSON(http.StatusBadGateway, gin.H{"results": results, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleSaveReminder(c *gin.Context) {
	var req reminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r := model.Reminder{
		ID:          c.Param("id"),
		Title:       req.Title,
		Description: req.Description,
		DueAt:       req.EndDate,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if req.DueAt != nil {
		r.DueAt = s.correction().Uncorrect(*req.DueAt)
	}

	saved, res, err := s.engine.SaveReminder(c.Request.Context(), c.Param("uid"), r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(created(c), reminderResponse{Reminder: saved, Schedule: res})
}

func (s *Server) handleDeleteReminder(c *gin.Context) {
	if err := s.engine.DeleteReminder(c.Request.Context(), c.Param("uid"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSaveEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev := model.CalendarEvent{
		ID:          c.Param("id"),
		Title:       req.Title,
		Description: req.Description,
		OccursAt:    req.Date,
	}
	if req.At != nil {
		ev.OccursAt = s.correction().Uncorrect(*req.At)
	}

	saved, res, err := s.engine.SaveEvent(c.Request.Context(), c.Param("uid"), ev)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(created(c), eventResponse{Event: saved, Schedule: res})
}

func (s *Server) handleDeleteEvent(c *gin.Context) {
	if err := s.engine.DeleteEvent(c.Request.Context(), c.Param("uid"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSaveSubject(c *gin.Context) {
	var subj model.Subject
	if err := c.ShouldBindJSON(&subj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	subj.ID = c.Param("sid")
	saved, err := s.engine.SaveSubject(c.Request.Context(), c.Param("uid"), subj)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(created(c), saved)
}

func (s *Server) handleDeleteSubject(c *gin.Context) {
	if err := s.engine.DeleteSubject(c.Request.Context(), c.Param("uid"), c.Param("sid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSaveTask(c *gin.Context) {
	var t model.Task
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t.ID = c.Param("id")
	t.SubjectID = c.Param("sid")
	saved, err := s.engine.SaveTask(c.Request.Context(), c.Param("uid"), t)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(created(c), saved)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.engine.DeleteTask(c.Request.Context(), c.Param("uid"), c.Param("sid"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleNotes(c *gin.Context) {
	notes, err := s.engine.Notes(c.Request.Context(), c.Param("uid"), c.Param("sid"))
	if err != nil {
		writeError(c, err)
		return
	}
	if notes == nil {
		notes = []model.Note{}
	}
	c.JSON(http.StatusOK, gin.H{"items": notes})
}

func (s *Server) handleSaveNote(c *gin.Context) {
	var n model.Note
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n.SubjectID = c.Param("sid")
	saved, err := s.engine.SaveNote(c.Request.Context(), c.Param("uid"), n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) correction() timenorm.Correction {
	return timenorm.Correction{
		Normalizer: timenorm.Normalizer{Location: s.loc},
		Hours:      s.cfg.RegionalOffsetHours,
	}
}
