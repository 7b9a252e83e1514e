package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sentry "github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"noos/audio"
	"noos/sentryhelper"
	"noos/stream"
)

type EventType string

const (
	EventState        EventType = "state"
	EventNotification EventType = "notification"
)

// Event is what session subscribers (the SSE endpoint) receive.
type Event struct {
	Type         EventType            `json:"type"`
	State        *audio.PlaybackState `json:"state,omitempty"`
	Notification *Notification        `json:"notification,omitempty"`
}

type Notification struct {
	Event  audio.PlaybackNotificationType `json:"event"`
	URL    string                         `json:"url"`
	Reason string                         `json:"reason,omitempty"`
}

// Session is one listener's preview player: a Store rendering into its own
// broadcaster, plus the endpoints that listen to it.
type Session struct {
	ID        string
	CreatedAt time.Time

	Store       *audio.Store
	Broadcaster *stream.Broadcaster
	MP3         *stream.HTTPHandler
	WebRTC      *stream.WebRTCHandler

	ctx         context.Context
	repo        Repository
	reports     *cooldown
	now         func() time.Time
	lastActive  atomic.Int64
	logger      *log.Entry
	unsubscribe func()
	listening   chan struct{}
	closeOnce   sync.Once

	subscribersMutex sync.Mutex
	subscribers      map[int]chan Event
	nextSubID        int
	latest           audio.PlaybackState
	closed           bool
}

func (s *Session) Context() context.Context {
	return s.ctx
}

// Touch marks the session as in use.
func (s *Session) Touch() {
	s.lastActive.Store(s.now().UnixNano())
}

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Listeners counts connected audio listeners and event subscribers.
func (s *Session) Listeners() int {
	s.subscribersMutex.Lock()
	n := len(s.subscribers)
	s.subscribersMutex.Unlock()
	return n + s.Broadcaster.ListenerCount()
}

// LoadPack makes the tracks of packID the session's catalog. ctx carries the
// transaction the database span is attached to.
func (s *Session) LoadPack(ctx context.Context, packID string) error {
	span := sentryhelper.StartSpan(ctx, "db.get_catalog")
	catalog, err := s.repo.GetCatalog(packID)
	span.Finish()
	if err != nil {
		return err
	}
	s.Store.SetCatalog(catalog)
	return nil
}

// Subscribe streams state changes and notifications. The current state is
// delivered first. Slow subscribers miss events rather than block playback.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	s.subscribersMutex.Lock()
	defer s.subscribersMutex.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	state := s.latest
	ch <- Event{Type: EventState, State: &state}

	return ch, func() {
		s.subscribersMutex.Lock()
		defer s.subscribersMutex.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

// publishState runs inside the Store's publish step, so it must not call
// back into the Store.
func (s *Session) publishState(state audio.PlaybackState) {
	s.subscribersMutex.Lock()
	defer s.subscribersMutex.Unlock()
	s.latest = state
	s.fanOutLocked(Event{Type: EventState, State: &state})
}

func (s *Session) publishNotification(n Notification) {
	s.subscribersMutex.Lock()
	defer s.subscribersMutex.Unlock()
	s.fanOutLocked(Event{Type: EventNotification, Notification: &n})
}

func (s *Session) fanOutLocked(event Event) {
	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.logger.Debugf("subscriber %d is behind, dropping %s event", id, event.Type)
		}
	}
}

func (s *Session) currentState() audio.PlaybackState {
	s.subscribersMutex.Lock()
	defer s.subscribersMutex.Unlock()
	return s.latest
}

func (s *Session) listenForPlaybackEvents() {
	go func() {
		defer close(s.listening)
		for event := range s.Store.Notifications {
			s.logger.Tracef("Playback event: %s %s", event.Event, event.URL)
			sentryhelper.AddBreadcrumb(s.ctx, &sentry.Breadcrumb{
				Category: "playback",
				Message:  string(event.Event) + " " + event.URL,
				Level:    sentry.LevelInfo,
			})

			switch event.Event {
			case audio.PlaybackCompleted:
				s.recordPreview(event.URL)
			case audio.PlaybackLoadError:
				s.reportLoadError(event)
			case audio.PlaybackStarted, audio.PlaybackStopped:
			default:
				s.logger.Warnf("Unknown playback event: %s", event.Event)
			}

			s.publishNotification(Notification{
				Event:  event.Event,
				URL:    event.URL,
				Reason: event.Reason,
			})
		}
	}()
}

func (s *Session) recordPreview(url string) {
	state := s.currentState()
	if state.Catalog == nil {
		return
	}
	track := state.Catalog.Find(url)
	if track == nil {
		s.logger.Debugf("%s is no longer in the catalog, not recording", url)
		return
	}
	if err := s.repo.RecordPreview(s.ID, state.Catalog.ParentID, url, track.Title); err != nil {
		s.logger.Errorf("Error recording preview: %v", err)
		sentryhelper.CaptureException(s.ctx, err)
	}
}

func (s *Session) reportLoadError(event audio.PlaybackNotification) {
	s.logger.Warnf("load error for %s: %s", event.URL, event.Reason)
	if event.Reason == "autoplay_rejected" {
		return
	}
	if !s.reports.Allow(event.URL) {
		s.logger.Debugf("load error for %s already reported, next in %v", event.URL, s.reports.Remaining(event.URL))
		return
	}
	sentryhelper.ConfigureScope(s.ctx, func(scope *sentry.Scope) {
		scope.SetTag("reason", event.Reason)
	})
	if event.Error == nil {
		sentryhelper.CaptureMessage(s.ctx, fmt.Sprintf("load error for %s: %s", event.URL, event.Reason))
		return
	}
	sentryhelper.CaptureException(s.ctx, event.Error)
}

// close releases the audio resources and disconnects every listener.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.Store.Close()
		<-s.listening
		s.WebRTC.Close()
		s.Broadcaster.Close()

		s.subscribersMutex.Lock()
		s.closed = true
		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}
		s.subscribersMutex.Unlock()
		s.logger.Info("session closed")
	})
}
