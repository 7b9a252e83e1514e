package handlers

// handlers expose the preview sessions over http: a REST control surface,
// an SSE state stream, and the mp3 and webrtc listener endpoints.

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	sentry "github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"

	"noos/audio"
	"noos/controller"
	"noos/database"
	"noos/pages"
	"noos/sentryhelper"
	"noos/stream"
)

const sessionKey = "session"

// Catalog is the read side of the database the handlers serve.
type Catalog interface {
	ListPacks() ([]database.PackSummary, error)
	GetPack(packID string) (*database.Pack, error)
	GetCatalog(packID string) (audio.Catalog, error)
	GetMostPreviewed(packID string, limit int) ([]database.MostPreviewedRecord, error)
	GetHistory(sessionID string, limit int) ([]database.PreviewRecord, error)
}

type Manager struct {
	Controller *controller.Controller
	DB         Catalog
	logger     *log.Entry
}

type packRequest struct {
	PackID string `json:"packId" binding:"required"`
}

type urlRequest struct {
	URL string `json:"url" binding:"required"`
}

type volumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type SessionResponse struct {
	ID        string              `json:"id"`
	State     audio.PlaybackState `json:"state"`
	StreamURL string              `json:"streamUrl"`
	EventsURL string              `json:"eventsUrl"`
}

type PackResponse struct {
	database.Pack
	Tracks []audio.Track `json:"tracks"`
}

var errBadRequest = errors.New("bad request")

func NewManager(c *controller.Controller, db Catalog) *Manager {
	return &Manager{
		Controller: c,
		DB:         db,
		logger:     log.WithFields(log.Fields{"module": "handlers"}),
	}
}

func (m *Manager) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", m.handleHealth)

	router.GET("/packs", m.handleListPacks)
	router.GET("/packs/:packId", m.handleGetPack)
	router.GET("/packs/:packId/top", m.handleTopTracks)
	router.GET("/packs/:packId/player", m.handlePlayerPage)

	router.POST("/sessions", m.handleCreateSession)
	sessions := router.Group("/sessions/:id", m.withSession)
	sessions.GET("", m.handleGetSession)
	sessions.DELETE("", m.handleDeleteSession)
	sessions.GET("/history", m.handleHistory)
	sessions.GET("/events", m.handleEvents)
	sessions.GET("/stream.mp3", m.handleMP3)
	sessions.POST("/webrtc", m.handleWebRTC)

	sessions.PUT("/catalog", m.control("set_catalog", func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		var body packRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			return errors.Join(errBadRequest, err)
		}
		return s.LoadPack(ctx, body.PackID)
	}))
	sessions.POST("/play", m.control("play", func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		var body urlRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			return errors.Join(errBadRequest, err)
		}
		s.Store.Play(body.URL)
		return nil
	}))
	sessions.PUT("/selection", m.control("select", func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		var body urlRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			return errors.Join(errBadRequest, err)
		}
		s.Store.SelectTrack(body.URL)
		return nil
	}))
	sessions.POST("/stop", m.control("stop", func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		s.Store.Stop()
		return nil
	}))
	sessions.POST("/next", m.control("next", func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		s.Store.Next()
		return nil
	}))
	sessions.POST("/previous", m.control("previous", func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		s.Store.Previous()
		return nil
	}))
	sessions.POST("/unload", m.control("unload", func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		s.Store.Unload()
		return nil
	}))
	sessions.PUT("/volume", m.control("set_volume", func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		var body volumeRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			return errors.Join(errBadRequest, err)
		}
		s.Store.SetVolume(*body.Volume)
		return nil
	}))
	sessions.PUT("/muted", m.toggle("set_muted", func(s *controller.Session, on bool) { s.Store.SetMuted(on) }))
	sessions.PUT("/shuffle", m.toggle("set_shuffle", func(s *controller.Session, on bool) { s.Store.SetShuffle(on) }))
	sessions.PUT("/repeat", m.toggle("set_repeat_one", func(s *controller.Session, on bool) { s.Store.SetRepeatOne(on) }))
}

// withSession resolves :id and counts the request as activity.
func (m *Manager) withSession(c *gin.Context) {
	session, err := m.Controller.GetSession(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	session.Touch()
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.Scope().SetTag("session_id", session.ID)
	}
	c.Set(sessionKey, session)
	c.Next()
}

func sessionFrom(c *gin.Context) *controller.Session {
	return c.MustGet(sessionKey).(*controller.Session)
}

// control runs one playback operation inside its own transaction and
// answers with the resulting state.
func (m *Manager) control(operation string, apply func(ctx context.Context, c *gin.Context, s *controller.Session) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessionFrom(c)
		ctx, transaction := sentryhelper.StartOperationTransaction(session.Context(), operation)
		defer transaction.Finish()

		if err := apply(ctx, c, session); err != nil {
			transaction.Status = sentry.SpanStatusInvalidArgument
			m.respondError(session.Context(), c, err)
			return
		}
		transaction.Status = sentry.SpanStatusOK
		c.JSON(http.StatusOK, session.Store.Snapshot())
	}
}

func (m *Manager) toggle(operation string, set func(s *controller.Session, on bool)) gin.HandlerFunc {
	return m.control(operation, func(ctx context.Context, c *gin.Context, s *controller.Session) error {
		var body toggleRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			return errors.Join(errBadRequest, err)
		}
		set(s, *body.Enabled)
		return nil
	})
}

func (m *Manager) respondError(ctx context.Context, c *gin.Context, err error) {
	switch {
	case errors.Is(err, errBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrPackNotFound), errors.Is(err, controller.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		m.logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		sentryhelper.CaptureException(ctx, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (m *Manager) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"sessions": m.Controller.SessionCount(),
	})
}

func (m *Manager) handleListPacks(c *gin.Context) {
	packs, err := m.DB.ListPacks()
	if err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}
	c.JSON(http.StatusOK, packs)
}

func (m *Manager) handleGetPack(c *gin.Context) {
	packID := c.Param("packId")
	pack, err := m.DB.GetPack(packID)
	if err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}
	catalog, err := m.DB.GetCatalog(packID)
	if err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}
	c.JSON(http.StatusOK, PackResponse{Pack: *pack, Tracks: catalog.Sorted()})
}

func (m *Manager) handleTopTracks(c *gin.Context) {
	packID := c.Param("packId")
	if _, err := m.DB.GetPack(packID); err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}
	records, err := m.DB.GetMostPreviewed(packID, queryLimit(c))
	if err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (m *Manager) handlePlayerPage(c *gin.Context) {
	packID := c.Param("packId")
	pack, err := m.DB.GetPack(packID)
	if err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}
	catalog, err := m.DB.GetCatalog(packID)
	if err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := pages.RenderPlayer(c.Writer, pages.PlayerPage{
		PackID: pack.ID,
		Name:   pack.Name,
		Author: pack.Author,
		Tracks: catalog.Sorted(),
	}); err != nil {
		m.logger.Errorf("Error rendering player page: %v", err)
	}
}

func (m *Manager) handleCreateSession(c *gin.Context) {
	var body struct {
		PackID string `json:"packId"`
	}
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	session := m.Controller.CreateSession(context.Background())
	if body.PackID != "" {
		ctx, transaction := sentryhelper.StartOperationTransaction(session.Context(), "set_catalog")
		err := session.LoadPack(ctx, body.PackID)
		transaction.Finish()
		if err != nil {
			m.Controller.CloseSession(session.ID)
			m.respondError(session.Context(), c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, m.sessionResponse(session))
}

func (m *Manager) sessionResponse(session *controller.Session) SessionResponse {
	return SessionResponse{
		ID:        session.ID,
		State:     session.Store.Snapshot(),
		StreamURL: "/sessions/" + session.ID + "/stream.mp3",
		EventsURL: "/sessions/" + session.ID + "/events",
	}
}

func (m *Manager) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, m.sessionResponse(sessionFrom(c)))
}

func (m *Manager) handleDeleteSession(c *gin.Context) {
	if err := m.Controller.CloseSession(sessionFrom(c).ID); err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *Manager) handleHistory(c *gin.Context) {
	records, err := m.DB.GetHistory(sessionFrom(c).ID, queryLimit(c))
	if err != nil {
		m.respondError(c.Request.Context(), c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// handleEvents streams state snapshots as "state" events and playback
// notifications under their own names until the client goes away or the
// session closes.
func (m *Manager) handleEvents(c *gin.Context) {
	session := sessionFrom(c)
	events, cancel := session.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			session.Touch()
			switch event.Type {
			case controller.EventState:
				c.SSEvent(string(controller.EventState), event.State)
			case controller.EventNotification:
				c.SSEvent(string(event.Notification.Event), event.Notification)
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (m *Manager) handleMP3(c *gin.Context) {
	sessionFrom(c).MP3.ServeHTTP(c.Writer, c.Request)
}

func (m *Manager) handleWebRTC(c *gin.Context) {
	session := sessionFrom(c)
	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil || offer.SDP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected an SDP offer"})
		return
	}

	answer, err := session.WebRTC.Negotiate(offer)
	if errors.Is(err, stream.ErrPeerSetup) {
		m.logger.Warnf("webrtc negotiation failed: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		m.respondError(session.Context(), c, err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}
