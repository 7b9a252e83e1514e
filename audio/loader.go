package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ffmpegMedia is a media handle backed by an ffmpeg process that decodes the
// url to 48kHz stereo s16le on stdout.
type ffmpegMedia struct {
	backend *FFmpegBackend
	url     string
	logger  *log.Entry

	mutex   sync.Mutex
	cmd     *exec.Cmd
	out     io.ReadCloser
	stderr  bytes.Buffer
	pending []byte
	scratch []byte
	onEnded func()
	onError func(error)

	playing   atomic.Bool
	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
	endOnce   sync.Once
}

func newFFmpegMedia(backend *FFmpegBackend, url string) *ffmpegMedia {
	return &ffmpegMedia{
		backend: backend,
		url:     url,
		scratch: make([]byte, FrameBytes),
		logger: log.WithFields(log.Fields{
			"module": "ffmpeg",
			"url":    url,
		}),
	}
}

func (m *ffmpegMedia) args() []string {
	args := []string{"-loglevel", "error"}
	if m.backend.opts.ReadTimeout > 0 && isNetworkURL(m.url) {
		args = append(args, "-rw_timeout", strconv.FormatInt(m.backend.opts.ReadTimeout.Microseconds(), 10))
	}
	return append(args,
		"-i", m.url,
		"-f", "s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"pipe:1")
}

func isNetworkURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Play starts ffmpeg on first use and resolves once the first frame has been
// decoded. After a Pause it simply resumes.
func (m *ffmpegMedia) Play(ctx context.Context) error {
	if m.backend.opts.RequireListener && m.backend.sink.ListenerCount() == 0 {
		return fmt.Errorf("%w: no listener connected", ErrAutoplayRejected)
	}

	m.mutex.Lock()
	if m.cmd != nil {
		m.mutex.Unlock()
		m.playing.Store(true)
		return nil
	}

	cmd := exec.Command(m.backend.opts.Binary, m.args()...)
	cmd.Stderr = &m.stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %v", ErrMediaLoad, err)
	}
	if err := cmd.Start(); err != nil {
		m.mutex.Unlock()
		return fmt.Errorf("%w: starting ffmpeg: %v", ErrMediaLoad, err)
	}
	m.cmd = cmd
	m.out = out
	m.mutex.Unlock()

	m.logger.Debug("waiting for first frame")
	first := make([]byte, FrameBytes)
	ready := make(chan error, 1)
	go func() {
		// IMPORTANT: io.ReadFull, a pipe read can return a partial frame
		_, err := io.ReadFull(out, first)
		ready <- err
	}()

	select {
	case <-ctx.Done():
		m.Close()
		return ctx.Err()
	case err := <-ready:
		if err != nil {
			m.kill()
			return fmt.Errorf("%w: %s", ErrMediaLoad, m.describe(err))
		}
	}

	m.mutex.Lock()
	m.pending = first
	m.mutex.Unlock()
	m.playing.Store(true)
	return nil
}

func (m *ffmpegMedia) Pause() {
	m.playing.Store(false)
}

func (m *ffmpegMedia) SetListeners(onEnded func(), onError func(error)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onEnded = onEnded
	m.onError = onError
}

func (m *ffmpegMedia) Close() error {
	m.closeOnce.Do(func() {
		m.playing.Store(false)
		m.kill()
	})
	return nil
}

// readFrame fills buffer with the next frame. It returns false when nothing
// was decoded, either because the media is paused or because it finished.
func (m *ffmpegMedia) readFrame(buffer []int16) bool {
	if !m.playing.Load() {
		return false
	}

	m.mutex.Lock()
	raw := m.pending
	m.pending = nil
	out := m.out
	m.mutex.Unlock()

	if raw == nil {
		raw = m.scratch
		_, err := io.ReadFull(out, raw)
		if err != nil {
			m.playing.Store(false)
			m.finish(err)
			return false
		}
	}

	decodeFrame(raw, buffer)
	return true
}

// finish reports the end of the stream exactly once. A clean exit of ffmpeg
// is a natural end; anything else is a media error.
func (m *ffmpegMedia) finish(readErr error) {
	m.endOnce.Do(func() {
		var err error
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			if waitErr := m.wait(); waitErr != nil {
				err = fmt.Errorf("%w: %s", ErrMediaLoad, m.describe(waitErr))
			}
		} else {
			err = fmt.Errorf("%w: %v", ErrMediaLoad, readErr)
		}

		m.mutex.Lock()
		onEnded, onError := m.onEnded, m.onError
		m.mutex.Unlock()

		if err != nil {
			m.logger.Warnf("playback failed: %v", err)
			if onError != nil {
				go onError(err)
			}
			return
		}
		m.logger.Trace("reached end of audio stream")
		if onEnded != nil {
			go onEnded()
		}
	})
}

func (m *ffmpegMedia) kill() {
	m.mutex.Lock()
	cmd := m.cmd
	m.mutex.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
	m.wait()
}

func (m *ffmpegMedia) wait() error {
	m.waitOnce.Do(func() {
		m.mutex.Lock()
		cmd := m.cmd
		m.mutex.Unlock()
		if cmd != nil {
			m.waitErr = cmd.Wait()
		}
	})
	return m.waitErr
}

// describe prefers what ffmpeg printed over the raw read error. Only valid
// once the process has been waited for.
func (m *ffmpegMedia) describe(err error) string {
	m.wait()
	if msg := strings.TrimSpace(m.stderr.String()); msg != "" {
		return msg
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Error()
	}
	return err.Error()
}
