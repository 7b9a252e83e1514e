package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type FFmpegOptions struct {
	Binary string
	// ReadTimeout is handed to ffmpeg for network inputs so a stalled load
	// ends in a media error instead of hanging.
	ReadTimeout time.Duration
	// RequireListener rejects playback while the sink has nobody listening.
	RequireListener bool
}

// FFmpegBackend renders resources into a Sink, decoding each url with an
// ffmpeg subprocess.
type FFmpegBackend struct {
	sink Sink
	opts FFmpegOptions
}

var _ Backend = (*FFmpegBackend)(nil)

func NewFFmpegBackend(sink Sink, opts FFmpegOptions) *FFmpegBackend {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	return &FFmpegBackend{sink: sink, opts: opts}
}

func (b *FFmpegBackend) NewContext() (Context, error) {
	c := &renderContext{
		backend: b,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger: log.WithFields(log.Fields{
			"module": "render",
		}),
	}
	go c.run()
	return c, nil
}

// renderContext paces output at real time, one frame per tick. The number of
// frames it has rendered is its audio clock.
type renderContext struct {
	backend *FFmpegBackend
	frames  atomic.Int64
	logger  *log.Entry

	mutex sync.Mutex
	media *ffmpegMedia
	gain  *Gain

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func (c *renderContext) Now() time.Duration {
	return time.Duration(c.frames.Load()) * FrameDuration
}

func (c *renderContext) Load(url string, gain *Gain) (Media, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.media != nil {
		return nil, errors.New("context already has a media source")
	}
	c.media = newFFmpegMedia(c.backend, url)
	c.gain = gain
	return c.media, nil
}

func (c *renderContext) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.stopped
		c.logger.Tracef("context closed after %v of audio", c.Now())
	})
	return nil
}

func (c *renderContext) run() {
	defer close(c.stopped)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	buffer := make([]int16, FrameSamples)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.renderFrame(buffer)
		}
	}
}

func (c *renderContext) renderFrame(buffer []int16) {
	c.mutex.Lock()
	media, gain := c.media, c.gain
	c.mutex.Unlock()

	start := c.Now()
	if media == nil || !media.readFrame(buffer) {
		clear(buffer)
	} else {
		for i := 0; i < FrameSize; i++ {
			t := start + time.Duration(i)*time.Second/SampleRate
			g := gain.ValueAt(t)
			if g == 1 {
				continue
			}
			for ch := 0; ch < Channels; ch++ {
				idx := i*Channels + ch
				buffer[idx] = clampSample(float64(buffer[idx]) * g)
			}
		}
	}

	frame := make([]int16, len(buffer))
	copy(frame, buffer)
	c.backend.sink.WriteFrame(frame)
	c.frames.Add(1)
}
