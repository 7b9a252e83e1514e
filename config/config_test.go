package config

import (
	"testing"
	"time"
)

func TestGetIdleTimeout(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want int
	}{
		{"empty", "", 20},
		{"invalid", "abc", 20},
		{"zero", "0", 20},
		{"negative", "-1", 20},
		{"valid_small", "10", 10},
		{"valid_default", "20", 20},
		{"valid_large", "30", 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("IDLE_TIMEOUT_MINUTES", tt.env)
			if got := getIdleTimeout(); got != tt.want {
				t.Errorf("getIdleTimeout() = %d; want %d", got, tt.want)
			}
		})
	}
}

func TestGetFade(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want time.Duration
	}{
		{"empty", "", 100 * time.Millisecond},
		{"invalid", "fast", 100 * time.Millisecond},
		{"zero", "0", 100 * time.Millisecond},
		{"below_min", "3", 10 * time.Millisecond},
		{"valid", "250", 250 * time.Millisecond},
		{"above_max", "10000", 2000 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FADE_OUT_MS", tt.env)
			if got := getFade("FADE_OUT_MS", 100); got != tt.want {
				t.Errorf("getFade() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestGetDefaultVolume(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want float64
	}{
		{"empty", "", 1},
		{"invalid", "loud", 1},
		{"nan", "NaN", 1},
		{"negative", "-0.5", 0},
		{"zero", "0", 0},
		{"half", "0.5", 0.5},
		{"over", "2", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DEFAULT_VOLUME", tt.env)
			if got := getDefaultVolume(); got != tt.want {
				t.Errorf("getDefaultVolume() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestGetReadTimeout(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want time.Duration
	}{
		{"empty", "", 15 * time.Second},
		{"invalid", "soon", 15 * time.Second},
		{"negative", "-3", 15 * time.Second},
		{"valid", "30", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FFMPEG_READ_TIMEOUT_SECONDS", tt.env)
			if got := getReadTimeout(); got != tt.want {
				t.Errorf("getReadTimeout() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestGetAudioBitrate(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want int
	}{
		{"empty", "", 128000},
		{"invalid", "foo", 128000},
		{"zero", "0", 128000},
		{"negative", "-100", 128000},
		{"below_min", "7000", 8000},
		{"min", "8000", 8000},
		{"default", "128000", 128000},
		{"high", "300000", 300000},
		{"above_max", "600000", 512000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AUDIO_BITRATE", tt.env)
			if got := getAudioBitrate(); got != tt.want {
				t.Errorf("getAudioBitrate() = %d; want %d", got, tt.want)
			}
		})
	}
}

// TestNewConfigDefaults verifies an empty environment yields a usable config.
func TestNewConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "IDLE_TIMEOUT_MINUTES", "LOG_LEVEL", "LOG_FILE", "FADE_OUT_MS", "FADE_IN_MS",
		"DEFAULT_VOLUME", "WRAP_ON_END", "REQUIRE_LISTENER", "FFMPEG_PATH",
		"FFMPEG_READ_TIMEOUT_SECONDS", "DB_PATH", "CATALOG_SEED_CSV", "AUDIO_BITRATE",
		"MP3_BITRATE", "SENTRY_DSN", "RELEASE",
	} {
		t.Setenv(key, "")
	}

	c := NewConfig()
	if c.Server.Port != "8080" {
		t.Errorf("Port = %q; want 8080", c.Server.Port)
	}
	if c.Server.IdleTimeout() != 20*time.Minute {
		t.Errorf("IdleTimeout = %v; want 20m", c.Server.IdleTimeout())
	}
	if c.Playback.FadeOut != 100*time.Millisecond || c.Playback.FadeIn != 80*time.Millisecond {
		t.Errorf("fades = %v/%v; want 100ms/80ms", c.Playback.FadeOut, c.Playback.FadeIn)
	}
	if c.Playback.DefaultVolume != 1 || c.Playback.WrapOnEnd || c.Playback.RequireListener {
		t.Errorf("playback = %+v", c.Playback)
	}
	if c.FFmpeg.Path != "ffmpeg" || c.Database.Path != "./data/noos.db" {
		t.Errorf("paths = %q %q", c.FFmpeg.Path, c.Database.Path)
	}
	if c.Stream.MP3Bitrate != "192k" {
		t.Errorf("MP3Bitrate = %q; want 192k", c.Stream.MP3Bitrate)
	}
	if c.Sentry.Enabled() {
		t.Error("sentry enabled without a DSN")
	}
}

func TestNewConfigFlags(t *testing.T) {
	t.Setenv("WRAP_ON_END", "true")
	t.Setenv("REQUIRE_LISTENER", "true")
	t.Setenv("SENTRY_DSN", "https://key@sentry.example.com/1")

	c := NewConfig()
	if !c.Playback.WrapOnEnd || !c.Playback.RequireListener {
		t.Errorf("flags not read: %+v", c.Playback)
	}
	if !c.Sentry.Enabled() {
		t.Error("sentry disabled with a DSN set")
	}
}
