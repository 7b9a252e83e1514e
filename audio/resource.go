package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Backend produces the native pieces a Resource is built from.
type Backend interface {
	NewContext() (Context, error)
}

// Context is one audio-processing graph with its own clock. Contexts are
// expensive: every Resource creates exactly one and closes it on Destroy.
type Context interface {
	// Now is the audio clock: how much audio the context has rendered.
	Now() time.Duration
	// Load creates the media handle for url and connects it through gain to
	// the output. It does not start playback.
	Load(url string, gain *Gain) (Media, error)
	Close() error
}

// Media is a playable handle bound to one url.
type Media interface {
	// Play resolves once audio is flowing, or fails with ErrMediaLoad or
	// ErrAutoplayRejected.
	Play(ctx context.Context) error
	Pause()
	// SetListeners attaches the ended and error callbacks. Passing nil detaches.
	SetListeners(onEnded func(), onError func(error))
	Close() error
}

// Resource owns one media handle, one gain node and one context.
type Resource struct {
	url    string
	ctx    Context
	media  Media
	gain   *Gain
	logger *log.Entry

	mutex     sync.Mutex
	destroyed bool
	failed    bool
	onEnded   func()
	onError   func(error)
}

// NewResource builds and connects the graph for url without starting it.
func NewResource(backend Backend, url string) (*Resource, error) {
	audioCtx, err := backend.NewContext()
	if err != nil {
		return nil, &LoadError{URL: url, Err: fmt.Errorf("%w: creating context: %v", ErrMediaLoad, err)}
	}

	gain := NewGain(0)
	media, err := audioCtx.Load(url, gain)
	if err != nil {
		audioCtx.Close()
		return nil, &LoadError{URL: url, Err: err}
	}

	r := &Resource{
		url:   url,
		ctx:   audioCtx,
		media: media,
		gain:  gain,
		logger: log.WithFields(log.Fields{
			"module": "resource",
			"url":    url,
		}),
	}
	media.SetListeners(r.handleEnded, r.handleError)
	return r, nil
}

// OnEnded sets the callback for a natural end of the media.
func (r *Resource) OnEnded(cb func()) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onEnded = cb
}

// OnError sets the callback for a media failure after Start succeeded.
func (r *Resource) OnError(cb func(error)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onError = cb
}

func (r *Resource) Start(ctx context.Context) error {
	r.mutex.Lock()
	destroyed := r.destroyed
	r.mutex.Unlock()
	if destroyed {
		return &LoadError{URL: r.url, Err: fmt.Errorf("%w: resource destroyed", ErrMediaLoad)}
	}

	if err := r.media.Play(ctx); err != nil {
		return &LoadError{URL: r.url, Err: err}
	}
	r.logger.Debug("playback started")
	return nil
}

func (r *Resource) Pause() {
	r.media.Pause()
}

// SetGain jumps to v without a ramp.
func (r *Resource) SetGain(v float64) {
	r.gain.SetValue(v)
}

// Ramp moves the gain linearly to target over the given window, anchored at
// the context's audio clock.
func (r *Resource) Ramp(target float64, over time.Duration) {
	r.gain.LinearRampTo(target, r.ctx.Now(), over)
}

func (r *Resource) Now() time.Duration {
	return r.ctx.Now()
}

// Failed reports whether the media raised an error.
func (r *Resource) Failed() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.failed
}

// Destroy detaches listeners and releases the media and the context. It is
// safe to call more than once.
func (r *Resource) Destroy() error {
	r.mutex.Lock()
	if r.destroyed {
		r.mutex.Unlock()
		return nil
	}
	r.destroyed = true
	r.onEnded = nil
	r.onError = nil
	r.mutex.Unlock()

	r.media.SetListeners(nil, nil)
	r.media.Pause()

	var firstErr error
	if err := r.media.Close(); err != nil {
		firstErr = err
	}
	if err := r.ctx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		r.logger.Warnf("error releasing resource: %v", firstErr)
	}
	r.logger.Trace("resource destroyed")
	return firstErr
}

func (r *Resource) handleEnded() {
	r.mutex.Lock()
	cb := r.onEnded
	r.mutex.Unlock()
	if cb != nil {
		cb()
	}
}

func (r *Resource) handleError(err error) {
	r.mutex.Lock()
	r.failed = true
	cb := r.onError
	r.mutex.Unlock()
	if cb != nil {
		cb(&LoadError{URL: r.url, Err: err})
	}
}
