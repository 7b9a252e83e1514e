package stream

import (
	"sync"

	"noos/audio"
)

// Broadcaster fans the rendered frames of one session out to every connected
// listener. It is the audio.Sink the session's backend renders into.
type Broadcaster struct {
	mutex     sync.RWMutex
	listeners map[*Listener]struct{}
	closed    bool
}

var _ audio.Sink = (*Broadcaster)(nil)

// Listener receives 20ms PCM frames until Done is closed.
type Listener struct {
	C    chan []int16
	done chan struct{}
	once sync.Once
}

// Done is closed when the listener is unsubscribed or the broadcaster closes.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) stop() {
	l.once.Do(func() { close(l.done) })
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, 150), // ~3 seconds at 20ms/frame
		done: make(chan struct{}),
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		l.stop()
		return l
	}
	b.listeners[l] = struct{}{}
	return l
}

func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mutex.Lock()
	delete(b.listeners, l)
	b.mutex.Unlock()
	l.stop()
}

func (b *Broadcaster) ListenerCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.listeners)
}

// WriteFrame hands frame to every listener. Slow listeners miss frames
// rather than stalling the render loop.
func (b *Broadcaster) WriteFrame(frame []int16) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- frame:
		default:
		}
	}
}

// Close disconnects every listener. Later subscribers are closed immediately.
func (b *Broadcaster) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.closed = true
	for l := range b.listeners {
		l.stop()
		delete(b.listeners, l)
	}
}
