package audio

import (
	"errors"
	"fmt"
	"sort"
)

type PlaybackNotificationType string

const (
	PlaybackStarted   PlaybackNotificationType = "started"
	PlaybackStopped   PlaybackNotificationType = "stopped"
	PlaybackCompleted PlaybackNotificationType = "completed"
	PlaybackLoadError PlaybackNotificationType = "load_error"
)

type PlaybackNotification struct {
	Event  PlaybackNotificationType
	URL    string
	Reason string
	Error  error
}

var (
	// ErrMediaLoad covers decode failures, network failures and missing files.
	ErrMediaLoad = errors.New("media load failed")
	// ErrAutoplayRejected is returned when the output refuses programmatic playback.
	ErrAutoplayRejected = errors.New("playback rejected by output policy")
)

// LoadError is what a failed start or a mid-playback media failure is reported as.
type LoadError struct {
	URL string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("could not play %s: %v", e.URL, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Reason is the short, user facing form of the failure.
func (e *LoadError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrAutoplayRejected):
		return "autoplay_rejected"
	case errors.Is(e.Err, ErrMediaLoad):
		return "media_error"
	default:
		return "unknown"
	}
}

type Track struct {
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"durationSeconds"`
	Order           int     `json:"order"`
}

// Catalog is the ordered set of tracks of one sample pack. ParentID is only
// used to detect that a catalog is already active.
type Catalog struct {
	ParentID string  `json:"parentId"`
	Tracks   []Track `json:"tracks"`
}

// Sorted returns a copy of the tracks ordered by Order.
func (c Catalog) Sorted() []Track {
	tracks := make([]Track, len(c.Tracks))
	copy(tracks, c.Tracks)
	sort.SliceStable(tracks, func(i, j int) bool {
		return tracks[i].Order < tracks[j].Order
	})
	return tracks
}

func (c Catalog) Contains(url string) bool {
	return c.Find(url) != nil
}

func (c Catalog) Find(url string) *Track {
	if url == "" {
		return nil
	}
	for i := range c.Tracks {
		if c.Tracks[i].URL == url {
			t := c.Tracks[i]
			return &t
		}
	}
	return nil
}

func (c Catalog) clone() *Catalog {
	tracks := make([]Track, len(c.Tracks))
	copy(tracks, c.Tracks)
	return &Catalog{ParentID: c.ParentID, Tracks: tracks}
}

type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusPlaying
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusPlaying:
		return "playing"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PlaybackState is the observable snapshot of a Store. Empty URLs mean
// nothing is active or selected.
type PlaybackState struct {
	Catalog     *Catalog `json:"catalog"`
	Status      Status   `json:"status"`
	ActiveURL   string   `json:"activeUrl,omitempty"`
	SelectedURL string   `json:"selectedUrl,omitempty"`
	Volume      float64  `json:"volume"`
	Muted       bool     `json:"muted"`
	Shuffle     bool     `json:"shuffle"`
	RepeatOne   bool     `json:"repeatOne"`
}

func (s PlaybackState) clone() PlaybackState {
	if s.Catalog != nil {
		s.Catalog = s.Catalog.clone()
	}
	return s
}

// EffectiveGain is the gain a live resource should be driven to.
func (s PlaybackState) EffectiveGain() float64 {
	if s.Muted {
		return 0
	}
	return s.Volume
}
