package config

import (
	"math"
	"os"
	"strconv"
	"time"
)

type ConfigStruct struct {
	Server   ServerConfig
	Playback PlaybackConfig
	FFmpeg   FFmpegConfig
	Database DatabaseConfig
	Stream   StreamConfig
	Sentry   SentryConfig
}

type ServerConfig struct {
	Port               string
	IdleTimeoutMinutes int
	LogLevel           string
	LogFile            string
}

type PlaybackConfig struct {
	FadeOut         time.Duration
	FadeIn          time.Duration
	DefaultVolume   float64
	WrapOnEnd       bool
	RequireListener bool
}

type FFmpegConfig struct {
	Path        string
	ReadTimeout time.Duration
}

type DatabaseConfig struct {
	Path    string
	SeedCSV string
}

type StreamConfig struct {
	AudioBitrate int    // Opus bitrate in bps for WebRTC listeners
	MP3Bitrate   string // ffmpeg -b:a value for the HTTP stream
}

type SentryConfig struct {
	DSN     string
	Release string
}

func (s *SentryConfig) Enabled() bool {
	return s.DSN != ""
}

func (s *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

func NewConfig() *ConfigStruct {
	return &ConfigStruct{
		Server: ServerConfig{
			Port:               getString("PORT", "8080"),
			IdleTimeoutMinutes: getIdleTimeout(),
			LogLevel:           getString("LOG_LEVEL", "info"),
			LogFile:            os.Getenv("LOG_FILE"),
		},
		Playback: PlaybackConfig{
			FadeOut:         getFade("FADE_OUT_MS", 100),
			FadeIn:          getFade("FADE_IN_MS", 80),
			DefaultVolume:   getDefaultVolume(),
			WrapOnEnd:       os.Getenv("WRAP_ON_END") == "true",
			RequireListener: os.Getenv("REQUIRE_LISTENER") == "true",
		},
		FFmpeg: FFmpegConfig{
			Path:        getString("FFMPEG_PATH", "ffmpeg"),
			ReadTimeout: getReadTimeout(),
		},
		Database: DatabaseConfig{
			Path:    getString("DB_PATH", "./data/noos.db"),
			SeedCSV: os.Getenv("CATALOG_SEED_CSV"),
		},
		Stream: StreamConfig{
			AudioBitrate: getAudioBitrate(),
			MP3Bitrate:   getString("MP3_BITRATE", "192k"),
		},
		Sentry: SentryConfig{
			DSN:     os.Getenv("SENTRY_DSN"),
			Release: os.Getenv("RELEASE"),
		},
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIdleTimeout() int {
	timeoutStr := os.Getenv("IDLE_TIMEOUT_MINUTES")
	if timeoutStr == "" {
		return 20
	}
	timeout, err := strconv.Atoi(timeoutStr)
	if err != nil || timeout <= 0 {
		return 20
	}
	return timeout
}

func getFade(key string, fallbackMs int) time.Duration {
	ms, err := strconv.Atoi(os.Getenv(key))
	if err != nil || ms <= 0 {
		ms = fallbackMs
	}
	if ms < 10 {
		ms = 10
	}
	if ms > 2000 {
		ms = 2000 // anything longer stops sounding like a crossfade
	}
	return time.Duration(ms) * time.Millisecond
}

func getDefaultVolume() float64 {
	volume, err := strconv.ParseFloat(os.Getenv("DEFAULT_VOLUME"), 64)
	if err != nil || math.IsNaN(volume) {
		return 1
	}
	if volume < 0 {
		return 0
	}
	if volume > 1 {
		return 1
	}
	return volume
}

func getReadTimeout() time.Duration {
	seconds, err := strconv.Atoi(os.Getenv("FFMPEG_READ_TIMEOUT_SECONDS"))
	if err != nil || seconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

func getAudioBitrate() int {
	bitrateStr := os.Getenv("AUDIO_BITRATE")
	if bitrateStr == "" {
		return 128000
	}
	bitrate, err := strconv.Atoi(bitrateStr)
	if err != nil || bitrate <= 0 {
		return 128000
	}
	// Opus accepts 8 kbps to 512 kbps
	if bitrate < 8000 {
		return 8000
	}
	if bitrate > 512000 {
		return 512000
	}
	return bitrate
}
