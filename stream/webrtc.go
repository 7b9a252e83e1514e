package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	log "github.com/sirupsen/logrus"
	"gopkg.in/hraban/opus.v2"

	"noos/audio"
)

var ErrPeerSetup = errors.New("webrtc peer setup failed")

// WebRTCHandler negotiates peers that receive the broadcast as Opus over
// WebRTC, for previews with lower latency than the MP3 stream.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	bitrate     int
	logger      *log.Entry

	mutex sync.Mutex
	peers []*webrtc.PeerConnection
}

func NewWebRTCHandler(b *Broadcaster, name string, bitrate int) *WebRTCHandler {
	return &WebRTCHandler{
		broadcaster: b,
		bitrate:     bitrate,
		logger: log.WithFields(log.Fields{
			"module": "webrtc",
			"stream": name,
		}),
	}
}

func (h *WebRTCHandler) PeerCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.peers)
}

// Negotiate answers a browser's SDP offer and starts streaming to it once
// ICE gathering completes.
func (h *WebRTCHandler) Negotiate(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %v", ErrPeerSetup, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"noos-preview",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: create audio track: %v", ErrPeerSetup, err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: add track: %v", ErrPeerSetup, err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: set remote description: %v", ErrPeerSetup, err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: create answer: %v", ErrPeerSetup, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: set local description: %v", ErrPeerSetup, err)
	}
	<-gatherComplete

	h.mutex.Lock()
	h.peers = append(h.peers, pc)
	h.mutex.Unlock()
	h.logger.Infof("WebRTC peer connected (total: %d)", h.PeerCount())

	listener := h.broadcaster.Subscribe()
	go h.streamToPeer(listener, track)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			h.broadcaster.Unsubscribe(listener)
			if h.removePeer(pc) {
				pc.Close()
				h.logger.Infof("WebRTC peer disconnected (remaining: %d)", h.PeerCount())
			}
		}
	})

	return pc.LocalDescription(), nil
}

func (h *WebRTCHandler) streamToPeer(listener *Listener, track *webrtc.TrackLocalStaticSample) {
	defer h.broadcaster.Unsubscribe(listener)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		h.logger.Errorf("opus encoder error: %v", err)
		return
	}
	if err := enc.SetBitrate(h.bitrate); err != nil {
		h.logger.Warnf("could not set opus bitrate %d: %v", h.bitrate, err)
	}

	opusBuf := make([]byte, 4000)
	for {
		select {
		case <-listener.Done():
			return
		case frame := <-listener.C:
			n, err := enc.Encode(frame, opusBuf)
			if err != nil {
				h.logger.Warnf("opus encode error: %v", err)
				continue
			}
			if err := track.WriteSample(media.Sample{
				Data:     opusBuf[:n],
				Duration: audio.FrameDuration,
			}); err != nil {
				return
			}
		}
	}
}

func (h *WebRTCHandler) removePeer(pc *webrtc.PeerConnection) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for i, p := range h.peers {
		if p == pc {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return true
		}
	}
	return false
}

// Close hangs up every peer.
func (h *WebRTCHandler) Close() {
	h.mutex.Lock()
	peers := h.peers
	h.peers = nil
	h.mutex.Unlock()
	for _, pc := range peers {
		if err := pc.Close(); err != nil {
			h.logger.Warnf("error closing peer: %v", err)
		}
	}
}
