package playback

import (
	"log/slog"
	"sync"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/note"
	"github.com/simpolism/infinite-jazz/pkg/scheduler"
	"github.com/simpolism/infinite-jazz/pkg/section"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

// drumOffDelay is the unconditional note-off delay for every drum hit, per
// spec section 4.6.
const drumOffDelay = 0.120

// minStepDuration is the floor applied to the gap between consecutive step
// starts, per spec section 4.6.
const minStepDuration = 0.050

// voice tracks one currently-sounding melodic note so a later Tie can
// extend it or a later Rest/Notes can release it.
type voice struct {
	pitch     int
	startTime float64
	endTime   float64
	onHandle  scheduler.Handle
	offHandle scheduler.Handle
}

// core implements the section-coordinator wiring and per-step dispatch
// rules shared by every sink (spec sections 4.5 and 4.6). A sink supplies
// only the primitives that actually touch a synthesiser or a MIDI cable.
type core struct {
	mu    sync.Mutex
	cfg   config.Config
	coord *section.Coordinator
	sched *scheduler.Scheduler
	clock scheduler.Clock

	voices map[config.Instrument]map[int]*voice

	noteOn       func(inst config.Instrument, pitch, velocity int)
	noteOff      func(inst config.Instrument, pitch int)
	allSoundsOff func(inst config.Instrument)
}

func newCore(clock scheduler.Clock, log *slog.Logger) *core {
	c := &core{
		sched: scheduler.New(clock, log),
		clock: clock,
	}
	c.resetVoicesLocked()
	return c
}

// resetVoicesLocked replaces the voice set with a fresh, empty one for
// every instrument. Safe to call before prepare has ever run.
func (c *core) resetVoicesLocked() {
	c.voices = make(map[config.Instrument]map[int]*voice, len(config.Instruments))
	for _, inst := range config.Instruments {
		c.voices[inst] = make(map[int]*voice)
	}
}

// prepare rebuilds the section coordinator for cfg and pins section 0's
// start time to now + bufferLead + initialLookahead.
func (c *core) prepare(cfg config.Config, bufferLead float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg
	c.sched.Clear()
	c.coord = section.New(cfg, c.clock, 0)
	c.resetVoicesLocked()

	startTime := c.clock() + bufferLead + initialLookahead
	c.coord.Prepare(startTime)
	return startTime
}

func (c *core) sectionDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coord == nil {
		return 0
	}
	return c.coord.SectionDuration()
}

func (c *core) leadSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coord == nil {
		return 0
	}
	return c.coord.MaxSectionStart() - c.clock()
}

// enqueueStep feeds one instrument's step to the section coordinator and,
// once all four instruments have reported the same (section, stepIndex),
// dispatches every instrument's own step via the scheduler.
func (c *core) enqueueStep(inst config.Instrument, stepIndex int, step tracker.Step) {
	c.mu.Lock()
	dispatch, target, ready := c.coord.EnqueueStep(inst, stepIndex, step)
	if !ready {
		c.mu.Unlock()
		return
	}
	duration := c.stepDurationLocked(stepIndex)
	c.mu.Unlock()

	for _, i := range config.Instruments {
		s, ok := dispatch[i]
		if !ok {
			continue
		}
		if i == config.Drums {
			c.dispatchDrum(i, s, target)
		} else {
			c.dispatchMelodic(i, s, target, duration)
		}
	}
}

func (c *core) stepDurationLocked(stepIndex int) float64 {
	totalSteps := c.cfg.TotalSteps()
	base := c.cfg.SecondsPerStep()
	here := section.StepOffset(stepIndex, totalSteps, base, c.cfg.SwingEnabled, c.cfg.SwingRatio)
	next := section.StepOffset(stepIndex+1, totalSteps, base, c.cfg.SwingEnabled, c.cfg.SwingRatio)
	d := next - here
	if d < minStepDuration {
		d = minStepDuration
	}
	return d
}

func (c *core) dispatchDrum(inst config.Instrument, step tracker.Step, start float64) {
	if step.IsRest || step.IsTie {
		return
	}
	for _, n := range step.Notes {
		pitch, velocity := n.Pitch, n.Velocity
		c.sched.Schedule(start, scheduler.PriorityDefault, func() { c.noteOn(inst, pitch, velocity) })
		c.sched.Schedule(start+drumOffDelay, scheduler.PriorityNaturalEnd, func() { c.noteOff(inst, pitch) })
	}
}

func (c *core) dispatchMelodic(inst config.Instrument, step tracker.Step, start, duration float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case step.IsRest:
		c.releaseActiveLocked(inst, start)
	case step.IsTie:
		c.tieLocked(inst, start, duration)
	default:
		c.releaseActiveLocked(inst, start)
		c.notesLocked(inst, step.Notes, start, duration)
	}
}

// releaseActiveLocked schedules a release for every currently active voice
// on inst at start and clears them from the voice set. Must be called with
// c.mu held.
func (c *core) releaseActiveLocked(inst config.Instrument, start float64) {
	voices := c.voices[inst]
	for pitch, v := range voices {
		c.sched.Cancel(v.offHandle)
		p := pitch
		c.sched.Schedule(start, scheduler.PriorityRelease, func() { c.noteOff(inst, p) })
		delete(voices, pitch)
	}
}

// tieLocked extends every active voice's note-off to start+duration,
// leaving already-closed voices silent. Must be called with c.mu held.
func (c *core) tieLocked(inst config.Instrument, start, duration float64) {
	voices := c.voices[inst]
	newEnd := start + duration
	for pitch, v := range voices {
		if v.endTime < start {
			continue
		}
		c.sched.Cancel(v.offHandle)
		v.endTime = newEnd
		p := pitch
		v.offHandle = c.sched.Schedule(newEnd, scheduler.PriorityNaturalEnd, func() { c.noteOffAndClear(inst, p) })
	}
}

// notesLocked starts a fresh voice per note, scheduling its note-on at
// start and its note-off at start+duration. Must be called with c.mu held.
func (c *core) notesLocked(inst config.Instrument, notes []note.Event, start, duration float64) {
	voices := c.voices[inst]
	end := start + duration
	for _, n := range notes {
		pitch, velocity := n.Pitch, n.Velocity
		onHandle := c.sched.Schedule(start, scheduler.PriorityDefault, func() { c.noteOn(inst, pitch, velocity) })
		offHandle := c.sched.Schedule(end, scheduler.PriorityNaturalEnd, func() { c.noteOffAndClear(inst, pitch) })
		voices[pitch] = &voice{pitch: pitch, startTime: start, endTime: end, onHandle: onHandle, offHandle: offHandle}
	}
}

func (c *core) noteOffAndClear(inst config.Instrument, pitch int) {
	c.mu.Lock()
	delete(c.voices[inst], pitch)
	c.mu.Unlock()
	c.noteOff(inst, pitch)
}

// stopAll cancels every pending scheduler entry and releases every
// currently active voice on every instrument.
func (c *core) stopAll() {
	c.mu.Lock()
	c.sched.Clear()
	c.resetVoicesLocked()
	c.mu.Unlock()

	for _, inst := range config.Instruments {
		if c.allSoundsOff != nil {
			c.allSoundsOff(inst)
		}
	}
}
