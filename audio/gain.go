package audio

import (
	"sync"
	"time"
)

// Gain is a gain node whose value can be automated with linear ramps on the
// audio clock of the context it is connected to. It is safe for concurrent
// use: the render loop reads it while transitions schedule ramps.
type Gain struct {
	mutex sync.Mutex

	value float64

	ramping   bool
	rampFrom  float64
	rampTo    float64
	rampStart time.Duration
	rampEnd   time.Duration
}

func NewGain(value float64) *Gain {
	return &Gain{value: clampUnit(value)}
}

// SetValue jumps to v immediately and cancels any scheduled ramp.
func (g *Gain) SetValue(v float64) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.ramping = false
	g.value = clampUnit(v)
}

// LinearRampTo schedules a ramp from the value at now to target, reaching it
// at now+over. A ramp already in flight is replaced, starting from wherever
// it currently is.
func (g *Gain) LinearRampTo(target float64, now, over time.Duration) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	from := g.valueAtLocked(now)
	target = clampUnit(target)
	if over <= 0 {
		g.ramping = false
		g.value = target
		return
	}
	g.ramping = true
	g.rampFrom = from
	g.rampTo = target
	g.rampStart = now
	g.rampEnd = now + over
	g.value = target
}

// ValueAt returns the gain at audio clock time t.
func (g *Gain) ValueAt(t time.Duration) float64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.valueAtLocked(t)
}

func (g *Gain) valueAtLocked(t time.Duration) float64 {
	if !g.ramping {
		return g.value
	}
	if t <= g.rampStart {
		return g.rampFrom
	}
	if t >= g.rampEnd {
		return g.rampTo
	}
	progress := float64(t-g.rampStart) / float64(g.rampEnd-g.rampStart)
	return g.rampFrom + (g.rampTo-g.rampFrom)*progress
}

// Target is the value the gain settles on once any ramp is done.
func (g *Gain) Target() float64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.value
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
