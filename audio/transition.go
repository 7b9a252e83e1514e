package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultFadeOut = 100 * time.Millisecond
	DefaultFadeIn  = 80 * time.Millisecond
)

// TransitionHooks report the outcome of a transition back to its owner. Each
// call carries the sequence number of the request it belongs to so the owner
// can drop completions that a newer request already superseded.
type TransitionHooks struct {
	Started func(seq uint64, url string)
	Failed  func(seq uint64, url string, err error)
	Ended   func(seq uint64, url string)
}

type TransitionOptions struct {
	FadeOut time.Duration
	FadeIn  time.Duration
	// Gain is the level new resources fade in to.
	Gain float64
	// Sleep waits out a fade-out before the resource is destroyed.
	Sleep func(time.Duration)
}

type transitionRequest struct {
	seq uint64
	url string
}

// TransitionController owns the single resource slot of a Store and performs
// every audio-graph operation on one worker goroutine, in request order.
type TransitionController struct {
	backend Backend
	fadeOut time.Duration
	fadeIn  time.Duration
	sleep   func(time.Duration)
	hooks   TransitionHooks
	logger  *log.Entry

	seq atomic.Uint64

	queueMutex sync.Mutex
	cond       *sync.Cond
	queue      []transitionRequest
	busy       int
	inflight   context.CancelFunc
	closed     bool
	done       chan struct{}

	currentMutex sync.Mutex
	current      *Resource
	gain         float64
}

func NewTransitionController(backend Backend, opts TransitionOptions, hooks TransitionHooks) *TransitionController {
	if opts.FadeOut <= 0 {
		opts.FadeOut = DefaultFadeOut
	}
	if opts.FadeIn <= 0 {
		opts.FadeIn = DefaultFadeIn
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}

	c := &TransitionController{
		backend: backend,
		fadeOut: opts.FadeOut,
		fadeIn:  opts.FadeIn,
		sleep:   opts.Sleep,
		hooks:   hooks,
		gain:    clampUnit(opts.Gain),
		done:    make(chan struct{}),
		logger: log.WithFields(log.Fields{
			"module": "transition",
		}),
	}
	c.cond = sync.NewCond(&c.queueMutex)
	go c.run()
	return c
}

// SwitchTo retires the live resource, if any, and starts url in its place.
// It returns immediately with the sequence number of the request.
func (c *TransitionController) SwitchTo(url string) uint64 {
	return c.enqueue(url)
}

// Stop retires the live resource without starting another.
func (c *TransitionController) Stop() uint64 {
	return c.enqueue("")
}

// SetGain changes the live resource's gain immediately and becomes the level
// future resources fade in to.
func (c *TransitionController) SetGain(v float64) {
	c.currentMutex.Lock()
	defer c.currentMutex.Unlock()
	c.gain = clampUnit(v)
	if c.current != nil {
		c.current.SetGain(c.gain)
	}
}

// Live reports whether a resource currently occupies the slot.
func (c *TransitionController) Live() bool {
	c.currentMutex.Lock()
	defer c.currentMutex.Unlock()
	return c.current != nil
}

// Flush blocks until every queued transition has been applied.
func (c *TransitionController) Flush() {
	c.queueMutex.Lock()
	defer c.queueMutex.Unlock()
	for c.busy > 0 {
		c.cond.Wait()
	}
}

// Close drains the queue, tears down the live resource and stops the worker.
func (c *TransitionController) Close() {
	c.queueMutex.Lock()
	if c.closed {
		c.queueMutex.Unlock()
		<-c.done
		return
	}
	c.seq.Add(1)
	if c.inflight != nil {
		c.inflight()
	}
	c.closed = true
	c.cond.Broadcast()
	c.queueMutex.Unlock()

	<-c.done
	c.retireCurrent()
}

func (c *TransitionController) enqueue(url string) uint64 {
	c.queueMutex.Lock()
	defer c.queueMutex.Unlock()

	seq := c.seq.Add(1)
	if c.closed {
		return seq
	}
	// a start still waiting on its media belongs to an older request
	if c.inflight != nil {
		c.inflight()
	}
	c.queue = append(c.queue, transitionRequest{seq: seq, url: url})
	c.busy++
	c.cond.Broadcast()
	return seq
}

func (c *TransitionController) run() {
	defer close(c.done)
	for {
		c.queueMutex.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.busy -= len(c.queue)
			c.queue = nil
			c.cond.Broadcast()
			c.queueMutex.Unlock()
			return
		}
		req := c.queue[0]
		c.queue = c.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		c.inflight = cancel
		c.queueMutex.Unlock()

		c.apply(ctx, req)
		cancel()

		c.queueMutex.Lock()
		c.inflight = nil
		c.busy--
		c.cond.Broadcast()
		c.queueMutex.Unlock()
	}
}

func (c *TransitionController) superseded(seq uint64) bool {
	return seq != c.seq.Load()
}

func (c *TransitionController) apply(ctx context.Context, req transitionRequest) {
	c.retireCurrent()

	if c.superseded(req.seq) {
		c.logger.Tracef("transition %d superseded before start", req.seq)
		return
	}
	if req.url == "" {
		return
	}

	resource, err := NewResource(c.backend, req.url)
	if err != nil {
		c.fail(req, err)
		return
	}

	// listeners go on before Start so an end or error raised while Start
	// returns still reaches the hooks; the owner drops stale sequences
	resource.OnEnded(func() {
		if c.hooks.Ended != nil {
			c.hooks.Ended(req.seq, req.url)
		}
	})
	resource.OnError(func(err error) {
		c.logger.Warnf("media error during playback of %s: %v", req.url, err)
		if c.hooks.Failed != nil {
			c.hooks.Failed(req.seq, req.url, err)
		}
	})

	resource.SetGain(0)
	if err := resource.Start(ctx); err != nil {
		resource.Destroy()
		if errors.Is(err, context.Canceled) || c.superseded(req.seq) {
			c.logger.Tracef("transition %d canceled while loading %s", req.seq, req.url)
			return
		}
		if resource.Failed() {
			// already reported through OnError
			return
		}
		c.fail(req, err)
		return
	}
	if c.superseded(req.seq) || resource.Failed() {
		c.logger.Tracef("transition %d superseded after start", req.seq)
		resource.Destroy()
		return
	}

	c.currentMutex.Lock()
	c.current = resource
	resource.Ramp(c.gain, c.fadeIn)
	c.currentMutex.Unlock()

	if c.hooks.Started != nil {
		c.hooks.Started(req.seq, req.url)
	}
}

// retireCurrent fades the live resource out and destroys it. The slot is
// emptied first so volume changes no longer reach the outgoing resource. A
// resource whose media failed is destroyed without a fade.
func (c *TransitionController) retireCurrent() {
	c.currentMutex.Lock()
	old := c.current
	c.current = nil
	c.currentMutex.Unlock()
	if old == nil {
		return
	}

	old.OnEnded(nil)
	old.OnError(nil)
	if old.Failed() {
		old.Destroy()
		return
	}
	old.Ramp(0, c.fadeOut)
	c.sleep(c.fadeOut)
	old.Destroy()
}

func (c *TransitionController) fail(req transitionRequest, err error) {
	c.logger.Warnf("transition %d failed: %v", req.seq, err)
	if c.hooks.Failed != nil {
		c.hooks.Failed(req.seq, req.url, err)
	}
}
