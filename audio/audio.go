package audio

import (
	"encoding/binary"
	"time"
)

const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // interleaved samples per frame
	FrameBytes    = FrameSamples * 2
)

// Sink receives rendered 20ms frames of interleaved 48kHz stereo PCM.
type Sink interface {
	WriteFrame(frame []int16)
	ListenerCount() int
}

func decodeFrame(raw []byte, buffer []int16) {
	for i := range buffer {
		buffer[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func clampSample(sample float64) int16 {
	if sample > 32767 {
		return 32767
	} else if sample < -32768 {
		return -32768
	}
	return int16(sample)
}
