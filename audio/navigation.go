package audio

type Direction int

const (
	Forward Direction = iota
	Backward
)

// Trigger says why a target is being resolved. Shuffle and repeat-one only
// apply when a track ended on its own; manual skips are always sequential.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerEnded
)

type Navigation struct {
	Direction Direction
	Trigger   Trigger
	Shuffle   bool
	RepeatOne bool
	// WrapOnEnd lets auto-advance continue from the last track to the first
	// instead of stopping.
	WrapOnEnd bool
}

// Resolve returns the url to play next, or "" if there is none. pick returns
// a pseudo-random int in [0, n) and is only consulted for shuffle.
func Resolve(catalog Catalog, activeURL string, nav Navigation, pick func(n int) int) string {
	tracks := catalog.Sorted()
	n := len(tracks)
	idx := -1
	for i, t := range tracks {
		if t.URL == activeURL {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}

	if nav.Trigger == TriggerEnded {
		if nav.RepeatOne {
			return activeURL
		}
		if nav.Shuffle && n > 1 {
			// pick among the other n-1 tracks so the current one never repeats
			j := pick(n - 1)
			if j >= idx {
				j++
			}
			return tracks[j].URL
		}
		if nav.Direction == Forward && idx == n-1 && !nav.WrapOnEnd {
			return ""
		}
	}

	switch nav.Direction {
	case Backward:
		return tracks[(idx-1+n)%n].URL
	default:
		return tracks[(idx+1)%n].URL
	}
}
