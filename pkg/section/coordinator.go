// Package section implements the section coordinator from spec section
// 4.5: it turns four independently-paced instrument step streams into a
// single ordered stream of fully-populated (section, stepIndex) steps,
// synchronizing the four voices without reordering any one instrument's
// own timeline.
package section

import (
	"sync"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

// sectionLookaheadDefault is not pinned to a specific value anywhere in
// the specification (only the scheduler's guard band, the drum note-off,
// and the step-duration floor are). 500ms gives the generation loop a
// comfortable cushion over typical LLM token latency without perceptibly
// delaying playback; see DESIGN.md.
const sectionLookaheadDefault = 0.5


type key struct {
	section int
	step    int
}

// Coordinator tracks per-instrument section/step progress and the shared
// section-start-time map, and buffers steps until all four instruments
// have reported the same (section, stepIndex).
type Coordinator struct {
	mu sync.Mutex

	cfg              config.Config
	now              func() float64
	sectionLookahead float64

	lastStepIndex     map[config.Instrument]int
	sectionIndex      map[config.Instrument]int
	sectionStartTimes map[int]float64
	maxSectionStart   float64
	sectionDuration   float64

	pending map[key]map[config.Instrument]tracker.Step
}

// New constructs a Coordinator. now reports the current audio-clock time
// in seconds; if sectionLookahead is 0, sectionLookaheadDefault is used.
func New(cfg config.Config, now func() float64, sectionLookahead float64) *Coordinator {
	if sectionLookahead == 0 {
		sectionLookahead = sectionLookaheadDefault
	}
	return &Coordinator{
		cfg:               cfg,
		now:               now,
		sectionLookahead:  sectionLookahead,
		lastStepIndex:     initIndex(-1),
		sectionIndex:      initIndex(0),
		sectionStartTimes: make(map[int]float64),
		pending:           make(map[key]map[config.Instrument]tracker.Step),
		sectionDuration:   StepOffset(cfg.TotalSteps(), cfg.TotalSteps(), cfg.SecondsPerStep(), cfg.SwingEnabled, cfg.SwingRatio),
	}
}

func initIndex(v int) map[config.Instrument]int {
	m := make(map[config.Instrument]int, len(config.Instruments))
	for _, inst := range config.Instruments {
		m[inst] = v
	}
	return m
}

// Prepare resets all progress and pins section 0's start time, for a fresh
// playback session.
func (c *Coordinator) Prepare(startTime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastStepIndex = initIndex(-1)
	c.sectionIndex = initIndex(0)
	c.sectionStartTimes = map[int]float64{0: startTime}
	c.maxSectionStart = startTime
	c.pending = make(map[key]map[config.Instrument]tracker.Step)
}

// SectionDuration returns the fixed duration of one section in seconds.
func (c *Coordinator) SectionDuration() float64 {
	return c.sectionDuration
}

// MaxSectionStart returns the furthest known section start time, for lead
// reporting.
func (c *Coordinator) MaxSectionStart() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSectionStart
}

// StepOffset computes the within-section time offset of step i, using the
// same pair-formula shape as the SMF encoder's tick placement (spec
// section 4.3) but scaled by base = secondsPerStep instead of ticksPerStep,
// and without integer rounding since this is a continuous audio-clock
// value rather than a quantized MIDI tick.
func StepOffset(i, totalSteps int, base float64, swingEnabled bool, swingRatio float64) float64 {
	if i == totalSteps {
		return float64(i) * base
	}
	pair := i / 2
	pairStart := float64(pair) * 2 * base
	if i%2 == 0 {
		return pairStart
	}
	if swingEnabled {
		return pairStart + 2*base*swingRatio
	}
	return pairStart + base
}

// EnqueueStep records a step for one instrument. It returns ready=true,
// along with the fully-populated per-instrument step map and the step's
// target audio-clock time, once all four instruments have reported the
// same (section, stepIndex).
func (c *Coordinator) EnqueueStep(inst config.Instrument, stepIndex int, step tracker.Step) (dispatch map[config.Instrument]tracker.Step, targetTime float64, ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.lastStepIndex[inst]
	if last >= 0 && stepIndex < last {
		c.sectionIndex[inst]++
	}
	c.lastStepIndex[inst] = stepIndex
	sec := c.sectionIndex[inst]

	c.ensureSectionStartLocked(sec)
	c.applyDeficitShiftLocked(sec, stepIndex)

	k := key{section: sec, step: stepIndex}
	if c.pending[k] == nil {
		c.pending[k] = make(map[config.Instrument]tracker.Step, len(config.Instruments))
	}
	c.pending[k][inst] = step

	if len(c.pending[k]) < len(config.Instruments) {
		return nil, 0, false
	}

	dispatch = c.pending[k]
	delete(c.pending, k)
	target := c.sectionStartTimes[sec] + StepOffset(stepIndex, c.cfg.TotalSteps(), c.cfg.SecondsPerStep(), c.cfg.SwingEnabled, c.cfg.SwingRatio)
	return dispatch, target, true
}

// ensureSectionStartLocked sets sectionStartTimes[sec] the first time any
// instrument enters it, per spec section 4.5 rule 2. Must be called with
// c.mu held.
func (c *Coordinator) ensureSectionStartLocked(sec int) {
	if _, ok := c.sectionStartTimes[sec]; ok {
		return
	}
	if sec == 0 {
		c.sectionStartTimes[0] = c.now() + c.sectionLookahead
		c.maxSectionStart = c.sectionStartTimes[0]
		return
	}
	prevStart := c.sectionStartTimes[sec-1]
	candidate := prevStart + c.sectionDuration
	floor := c.now() + c.sectionLookahead
	if candidate < floor {
		candidate = floor
	}
	c.sectionStartTimes[sec] = candidate
	if candidate > c.maxSectionStart {
		c.maxSectionStart = candidate
	}
}

// applyDeficitShiftLocked implements spec section 4.5 rule 3: if the
// target time for stepIndex within sec would precede now+lookahead, the
// section's start is pushed forward by the deficit, and every later
// known section start is shifted by the same amount, preserving monotonic
// ordering. Must be called with c.mu held.
func (c *Coordinator) applyDeficitShiftLocked(sec, stepIndex int) {
	target := c.sectionStartTimes[sec] + StepOffset(stepIndex, c.cfg.TotalSteps(), c.cfg.SecondsPerStep(), c.cfg.SwingEnabled, c.cfg.SwingRatio)
	floor := c.now() + c.sectionLookahead
	if target >= floor {
		return
	}
	deficit := floor - target
	c.sectionStartTimes[sec] += deficit
	if c.sectionStartTimes[sec] > c.maxSectionStart {
		c.maxSectionStart = c.sectionStartTimes[sec]
	}
	for s, start := range c.sectionStartTimes {
		if s > sec {
			c.sectionStartTimes[s] = start + deficit
			if c.sectionStartTimes[s] > c.maxSectionStart {
				c.maxSectionStart = c.sectionStartTimes[s]
			}
		}
	}
}
