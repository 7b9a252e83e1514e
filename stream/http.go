package stream

import (
	"context"
	"io"
	"net/http"
	"os/exec"
	"strconv"

	log "github.com/sirupsen/logrus"

	"noos/audio"
)

type HTTPOptions struct {
	Binary  string
	Bitrate string
	Name    string
}

// HTTPHandler serves the broadcast as a chunked MP3 stream. Each connection
// gets its own ffmpeg encoder fed from a fresh listener.
type HTTPHandler struct {
	broadcaster *Broadcaster
	opts        HTTPOptions
	logger      *log.Entry
}

func NewHTTPHandler(b *Broadcaster, opts HTTPOptions) *HTTPHandler {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "192k"
	}
	return &HTTPHandler{
		broadcaster: b,
		opts:        opts,
		logger: log.WithFields(log.Fields{
			"module": "stream",
			"stream": opts.Name,
		}),
	}
}

func (h *HTTPHandler) encoderArgs() []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", h.opts.Bitrate,
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cmd := exec.CommandContext(ctx, h.opts.Binary, h.encoderArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.logger.Errorf("stdin pipe error: %v", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.logger.Errorf("stdout pipe error: %v", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	if err := cmd.Start(); err != nil {
		h.logger.Errorf("ffmpeg start error: %v", err)
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	defer cmd.Wait()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("ICY-Name", h.opts.Name)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	h.logger.Infof("HTTP listener connected (total: %d)", h.broadcaster.ListenerCount())
	defer h.logger.Info("HTTP listener disconnected")

	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Done():
				// session closed, end the response
				cancel()
				return
			case frame := <-listener.C:
				if _, err := stdin.Write(audio.SamplesToBytes(frame)); err != nil {
					return
				}
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				h.logger.Warnf("ffmpeg read error: %v", err)
			}
			break
		}
	}
}
