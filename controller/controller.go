package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"noos/audio"
	"noos/sentryhelper"
	"noos/stream"
)

var ErrSessionNotFound = errors.New("session not found")

// Repository is the part of the database a session needs.
type Repository interface {
	GetCatalog(packID string) (audio.Catalog, error)
	RecordPreview(sessionID, packID, url, title string) error
}

type Options struct {
	Store audio.StoreOptions
	// NewBackend builds the audio backend rendering into a session's sink.
	NewBackend     func(sink audio.Sink) audio.Backend
	Stream         stream.HTTPOptions
	OpusBitrate    int
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
	ReportCooldown time.Duration
	Now            func() time.Time
}

type Controller struct {
	// This is a map of session ID to the player for that session
	sessions map[string]*Session
	mutex    sync.Mutex
	repo     Repository
	opts     Options
	reports  *cooldown
	logger   *log.Entry
}

func NewController(repo Repository, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewBackend == nil {
		opts.NewBackend = func(sink audio.Sink) audio.Backend {
			return audio.NewFFmpegBackend(sink, audio.FFmpegOptions{})
		}
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.ReportCooldown <= 0 {
		opts.ReportCooldown = 10 * time.Minute
	}

	return &Controller{
		sessions: make(map[string]*Session),
		repo:     repo,
		opts:     opts,
		reports:  newCooldown(opts.ReportCooldown, opts.Now),
		logger:   log.WithFields(log.Fields{"module": "controller"}),
	}
}

// CreateSession starts a new, idle player with its own audio output.
func (c *Controller) CreateSession(ctx context.Context) *Session {
	id := uuid.NewString()
	logger := c.logger.WithField("session", id)

	broadcaster := stream.NewBroadcaster()
	storeOpts := c.opts.Store
	storeOpts.Name = id
	streamOpts := c.opts.Stream
	if streamOpts.Name == "" {
		streamOpts.Name = "session-" + id
	}

	session := &Session{
		ID:          id,
		CreatedAt:   c.opts.Now(),
		Store:       audio.NewStore(c.opts.NewBackend(broadcaster), storeOpts),
		Broadcaster: broadcaster,
		MP3:         stream.NewHTTPHandler(broadcaster, streamOpts),
		WebRTC:      stream.NewWebRTCHandler(broadcaster, streamOpts.Name, c.opts.OpusBitrate),
		ctx:         sentryhelper.NewSessionContext(ctx, id),
		repo:        c.repo,
		reports:     c.reports,
		now:         c.opts.Now,
		logger:      logger,
		listening:   make(chan struct{}),
		subscribers: make(map[int]chan Event),
	}
	session.Touch()
	session.unsubscribe = session.Store.Subscribe(session.publishState)
	session.listenForPlaybackEvents()

	c.mutex.Lock()
	c.sessions[id] = session
	c.mutex.Unlock()

	logger.Info("session created")
	return session
}

func (c *Controller) GetSession(id string) (*Session, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	session, ok := c.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (c *Controller) CloseSession(id string) error {
	c.mutex.Lock()
	session, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mutex.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	session.close()
	return nil
}

func (c *Controller) SessionCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.sessions)
}

// Reap closes sessions nobody has listened to or touched within the idle
// timeout and returns how many were closed.
func (c *Controller) Reap() int {
	c.reports.prune()
	if c.opts.IdleTimeout <= 0 {
		return 0
	}

	cutoff := c.opts.Now().Add(-c.opts.IdleTimeout)
	var idle []*Session
	c.mutex.Lock()
	for id, session := range c.sessions {
		if session.Listeners() == 0 && session.LastActive().Before(cutoff) {
			idle = append(idle, session)
			delete(c.sessions, id)
		}
	}
	c.mutex.Unlock()

	for _, session := range idle {
		session.logger.Infof("closing idle session, last active %s", session.LastActive().Format(time.RFC3339))
		session.close()
	}
	return len(idle)
}

// RunReaper reaps idle sessions until ctx is done.
func (c *Controller) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Reap(); n > 0 {
				c.logger.Debugf("reaped %d idle sessions", n)
			}
		}
	}
}

// Close shuts down every session.
func (c *Controller) Close() {
	c.mutex.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mutex.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.close()
		}(session)
	}
	wg.Wait()
}
