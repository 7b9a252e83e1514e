package audio

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type StoreOptions struct {
	// Name tags log lines, usually the session ID.
	Name      string
	FadeOut   time.Duration
	FadeIn    time.Duration
	Volume    float64
	WrapOnEnd bool
	// Sleep and Rand are overridable for tests.
	Sleep func(time.Duration)
	Rand  func(n int) int
}

func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		FadeOut: DefaultFadeOut,
		FadeIn:  DefaultFadeIn,
		Volume:  1,
	}
}

// Store is the playback state container for one listener. State changes are
// applied synchronously in the calling goroutine and published to
// subscribers before the call returns; the audio work behind them runs on
// the TransitionController worker.
type Store struct {
	Notifications chan PlaybackNotification

	mutex       sync.Mutex
	state       PlaybackState
	seq         uint64
	closed      bool
	transitions *TransitionController
	wrapOnEnd   bool
	pick        func(n int) int
	logger      *log.Entry

	// published is the last committed state; Snapshot reads it without
	// taking mutex.
	published atomic.Pointer[PlaybackState]

	publishMutex sync.Mutex
	subscribers  map[int]func(PlaybackState)
	nextSubID    int
}

func NewStore(backend Backend, opts StoreOptions) *Store {
	if opts.Rand == nil {
		opts.Rand = rand.IntN
	}
	volume := clampUnit(opts.Volume)
	if math.IsNaN(opts.Volume) {
		volume = 1
	}

	s := &Store{
		Notifications: make(chan PlaybackNotification, 100),
		state: PlaybackState{
			Status: StatusIdle,
			Volume: volume,
		},
		wrapOnEnd:   opts.WrapOnEnd,
		pick:        opts.Rand,
		subscribers: make(map[int]func(PlaybackState)),
		logger: log.WithFields(log.Fields{
			"module":  "store",
			"session": opts.Name,
		}),
	}
	initial := s.state.clone()
	s.published.Store(&initial)
	s.transitions = NewTransitionController(backend, TransitionOptions{
		FadeOut: opts.FadeOut,
		FadeIn:  opts.FadeIn,
		Gain:    volume,
		Sleep:   opts.Sleep,
	}, TransitionHooks{
		Started: s.handleStarted,
		Failed:  s.handleFailed,
		Ended:   s.handleEnded,
	})
	return s
}

// Snapshot returns a copy of the last committed state. It never blocks, so
// subscribers may call it.
func (s *Store) Snapshot() PlaybackState {
	return s.published.Load().clone()
}

// Subscribe registers fn for every state change and calls it once right away
// with the current state. fn runs synchronously inside the mutating call; it
// may call Snapshot but no other Store method.
func (s *Store) Subscribe(fn func(PlaybackState)) (unsubscribe func()) {
	s.mutex.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	snapshot := s.state.clone()
	s.publishMutex.Lock()
	s.mutex.Unlock()
	fn(snapshot)
	s.publishMutex.Unlock()

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		delete(s.subscribers, id)
	}
}

// SetCatalog replaces the active catalog unless it is the same pack. The
// first track by order becomes active; nothing starts playing.
func (s *Store) SetCatalog(catalog Catalog) {
	s.mutex.Lock()
	if s.state.Catalog != nil && s.state.Catalog.ParentID == catalog.ParentID {
		s.logger.Tracef("catalog %s already active", catalog.ParentID)
		s.mutex.Unlock()
		return
	}

	if s.state.Status == StatusPlaying {
		s.stopLocked()
	}
	s.state.Catalog = catalog.clone()
	s.state.ActiveURL = ""
	if tracks := s.state.Catalog.Sorted(); len(tracks) > 0 {
		s.state.ActiveURL = tracks[0].URL
	}
	s.logger.Debugf("catalog %s loaded with %d tracks", catalog.ParentID, len(catalog.Tracks))
	s.commitLocked()
}

// Play starts url, crossfading from whatever is playing. A url outside the
// catalog is ignored; the track already playing is left alone.
func (s *Store) Play(url string) {
	s.mutex.Lock()
	if !s.playLocked(url) {
		s.mutex.Unlock()
		return
	}
	s.commitLocked()
}

// Stop fades out and releases the live resource. The active url is kept.
func (s *Store) Stop() {
	s.mutex.Lock()
	if s.state.Status != StatusPlaying {
		s.mutex.Unlock()
		return
	}
	s.stopLocked()
	s.commitLocked()
}

func (s *Store) Next() {
	s.navigate(Forward)
}

func (s *Store) Previous() {
	s.navigate(Backward)
}

func (s *Store) navigate(direction Direction) {
	s.mutex.Lock()
	if s.state.Catalog == nil || len(s.state.Catalog.Tracks) == 0 || s.state.ActiveURL == "" {
		s.mutex.Unlock()
		return
	}
	target := Resolve(*s.state.Catalog, s.state.ActiveURL, Navigation{
		Direction: direction,
		Trigger:   TriggerManual,
	}, s.pick)
	if target == "" || !s.playLocked(target) {
		s.mutex.Unlock()
		return
	}
	s.commitLocked()
}

func (s *Store) SetVolume(v float64) {
	if math.IsNaN(v) {
		return
	}
	s.mutex.Lock()
	s.state.Volume = clampUnit(v)
	s.transitions.SetGain(s.state.EffectiveGain())
	s.commitLocked()
}

func (s *Store) SetMuted(muted bool) {
	s.mutex.Lock()
	s.state.Muted = muted
	s.transitions.SetGain(s.state.EffectiveGain())
	s.commitLocked()
}

func (s *Store) SetShuffle(enabled bool) {
	s.mutex.Lock()
	s.state.Shuffle = enabled
	s.commitLocked()
}

func (s *Store) SetRepeatOne(enabled bool) {
	s.mutex.Lock()
	s.state.RepeatOne = enabled
	s.commitLocked()
}

// SelectTrack highlights url without touching playback.
func (s *Store) SelectTrack(url string) {
	s.mutex.Lock()
	s.state.SelectedURL = url
	s.commitLocked()
}

// Unload tears down the live resource and forgets the catalog. Volume, mute,
// shuffle and repeat-one survive as preferences.
func (s *Store) Unload() {
	s.mutex.Lock()
	if s.state.Status == StatusPlaying {
		s.notifyLocked(PlaybackNotification{Event: PlaybackStopped, URL: s.state.ActiveURL})
	}
	s.seq = s.transitions.Stop()
	s.state = PlaybackState{
		Status:    StatusIdle,
		Volume:    s.state.Volume,
		Muted:     s.state.Muted,
		Shuffle:   s.state.Shuffle,
		RepeatOne: s.state.RepeatOne,
	}
	s.commitLocked()
}

// Flush waits for queued audio transitions to finish.
func (s *Store) Flush() {
	s.transitions.Flush()
}

// Live reports whether an audio resource is currently allocated.
func (s *Store) Live() bool {
	return s.transitions.Live()
}

// Close releases the audio resource and closes Notifications.
func (s *Store) Close() {
	s.transitions.Close()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.Notifications)
}

func (s *Store) playLocked(url string) bool {
	if s.state.Catalog == nil || !s.state.Catalog.Contains(url) {
		s.logger.Debugf("ignoring play for %q: not in the current catalog", url)
		return false
	}
	if s.state.Status == StatusPlaying && s.state.ActiveURL == url {
		s.logger.Tracef("%s already playing", url)
		return false
	}
	s.switchLocked(url)
	return true
}

func (s *Store) switchLocked(url string) {
	s.state.Status = StatusLoading
	s.state.ActiveURL = url
	s.seq = s.transitions.SwitchTo(url)
	// Loading is never published: from the caller's side it collapses into
	// Playing as soon as the transition is queued.
	s.state.Status = StatusPlaying
}

func (s *Store) stopLocked() {
	s.state.Status = StatusStopped
	s.seq = s.transitions.Stop()
	s.notifyLocked(PlaybackNotification{Event: PlaybackStopped, URL: s.state.ActiveURL})
}

func (s *Store) handleStarted(seq uint64, url string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if seq != s.seq {
		return
	}
	s.notifyLocked(PlaybackNotification{Event: PlaybackStarted, URL: url})
}

func (s *Store) handleFailed(seq uint64, url string, err error) {
	s.mutex.Lock()
	if seq != s.seq {
		s.logger.Tracef("dropping stale failure for %s", url)
		s.mutex.Unlock()
		return
	}

	reason := "unknown"
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		reason = loadErr.Reason()
	}
	s.logger.Warnf("could not play %s: %v", url, err)

	s.state.Status = StatusStopped
	s.seq = s.transitions.Stop()
	s.notifyLocked(PlaybackNotification{
		Event:  PlaybackLoadError,
		URL:    url,
		Reason: reason,
		Error:  err,
	})
	s.commitLocked()
}

func (s *Store) handleEnded(seq uint64, url string) {
	s.mutex.Lock()
	if seq != s.seq || s.state.Catalog == nil {
		s.mutex.Unlock()
		return
	}
	s.notifyLocked(PlaybackNotification{Event: PlaybackCompleted, URL: url})

	target := Resolve(*s.state.Catalog, url, Navigation{
		Direction: Forward,
		Trigger:   TriggerEnded,
		Shuffle:   s.state.Shuffle,
		RepeatOne: s.state.RepeatOne,
		WrapOnEnd: s.wrapOnEnd,
	}, s.pick)
	if target == "" {
		s.logger.Debugf("end of catalog after %s", url)
		s.stopLocked()
	} else {
		s.switchLocked(target)
	}
	s.commitLocked()
}

// notifyLocked must be called with s.mutex held.
func (s *Store) notifyLocked(n PlaybackNotification) {
	if s.closed {
		return
	}
	select {
	case s.Notifications <- n:
	default:
		s.logger.Warnf("notifications channel full, dropping %s for %s", n.Event, n.URL)
	}
}

// commitLocked publishes the state and releases s.mutex. The publish mutex
// is taken before the state mutex is released so subscribers see changes in
// the order they were made.
func (s *Store) commitLocked() {
	snapshot := s.state.clone()
	published := s.state.clone()
	s.published.Store(&published)
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subscribers := make([]func(PlaybackState), 0, len(ids))
	for _, id := range ids {
		subscribers = append(subscribers, s.subscribers[id])
	}

	s.publishMutex.Lock()
	s.mutex.Unlock()
	defer s.publishMutex.Unlock()
	for _, fn := range subscribers {
		fn(snapshot)
	}
}
