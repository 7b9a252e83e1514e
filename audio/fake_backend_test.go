package audio

import (
	"context"
	"sync"
	"time"
)

// fakeBackend records every context it hands out so tests can check how many
// resources were alive at once.
type fakeBackend struct {
	mutex      sync.Mutex
	clock      time.Duration
	live       int
	maxLive    int
	created    []string
	media      []*fakeMedia
	failURLs   map[string]error
	blockStart map[string]chan struct{}
	endOnPlay  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failURLs:   make(map[string]error),
		blockStart: make(map[string]chan struct{}),
		endOnPlay:  make(map[string]bool),
	}
}

func (b *fakeBackend) NewContext() (Context, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.live++
	if b.live > b.maxLive {
		b.maxLive = b.live
	}
	return &fakeContext{backend: b}, nil
}

func (b *fakeBackend) now() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.clock
}

func (b *fakeBackend) advance(d time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.clock += d
}

func (b *fakeBackend) liveCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.live
}

func (b *fakeBackend) maxLiveCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.maxLive
}

func (b *fakeBackend) createdURLs() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]string, len(b.created))
	copy(out, b.created)
	return out
}

func (b *fakeBackend) lastMedia() *fakeMedia {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if len(b.media) == 0 {
		return nil
	}
	return b.media[len(b.media)-1]
}

func (b *fakeBackend) fail(url string, err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.failURLs[url] = err
}

// endImmediately makes url's media reach its end as Play returns.
func (b *fakeBackend) endImmediately(url string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.endOnPlay[url] = true
}

func (b *fakeBackend) block(url string) chan struct{} {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ch := make(chan struct{})
	b.blockStart[url] = ch
	return ch
}

type fakeContext struct {
	backend *fakeBackend
	closed  bool
}

func (c *fakeContext) Now() time.Duration {
	return c.backend.now()
}

func (c *fakeContext) Load(url string, gain *Gain) (Media, error) {
	m := &fakeMedia{url: url, gain: gain, backend: c.backend}
	c.backend.mutex.Lock()
	defer c.backend.mutex.Unlock()
	c.backend.created = append(c.backend.created, url)
	c.backend.media = append(c.backend.media, m)
	return m, nil
}

func (c *fakeContext) Close() error {
	c.backend.mutex.Lock()
	defer c.backend.mutex.Unlock()
	if !c.closed {
		c.closed = true
		c.backend.live--
	}
	return nil
}

type fakeMedia struct {
	url     string
	gain    *Gain
	backend *fakeBackend

	mutex   sync.Mutex
	playing bool
	closed  bool
	onEnded func()
	onError func(error)
}

func (m *fakeMedia) Play(ctx context.Context) error {
	m.backend.mutex.Lock()
	err := m.backend.failURLs[m.url]
	block := m.backend.blockStart[m.url]
	endNow := m.backend.endOnPlay[m.url]
	m.backend.mutex.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	m.mutex.Lock()
	m.playing = true
	m.mutex.Unlock()
	if endNow {
		m.end()
	}
	return nil
}

func (m *fakeMedia) Pause() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.playing = false
}

func (m *fakeMedia) SetListeners(onEnded func(), onError func(error)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onEnded = onEnded
	m.onError = onError
}

func (m *fakeMedia) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	m.playing = false
	return nil
}

// end simulates the media reaching its natural end.
func (m *fakeMedia) end() {
	m.mutex.Lock()
	cb := m.onEnded
	m.mutex.Unlock()
	if cb != nil {
		cb()
	}
}

// breakDown simulates a media failure in the middle of playback.
func (m *fakeMedia) breakDown(err error) {
	m.mutex.Lock()
	cb := m.onError
	m.mutex.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (m *fakeMedia) isPlaying() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.playing
}
