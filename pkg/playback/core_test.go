package playback

import (
	"testing"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/note"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

type fakeClock struct{ now float64 }

func (f *fakeClock) Now() float64      { return f.now }
func (f *fakeClock) Advance(d float64) { f.now += d }

type recorder struct {
	on     []string
	off    []string
	silent []string
}

func newTestCore(t *testing.T) (*core, *fakeClock, *recorder) {
	cfg, err := config.New(
		120, false, 0.5, 480, 1, config.TimeSignature{Num: 4, Den: 4},
		config.DefaultChannels(), config.DefaultGMPrograms(), config.DefaultGMDrums(),
	)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	fc := &fakeClock{}
	c := newCore(fc.Now, nil)
	rec := &recorder{}
	c.noteOn = func(inst config.Instrument, pitch, velocity int) {
		rec.on = append(rec.on, string(inst))
	}
	c.noteOff = func(inst config.Instrument, pitch int) {
		rec.off = append(rec.off, string(inst))
	}
	c.allSoundsOff = func(inst config.Instrument) {
		rec.silent = append(rec.silent, string(inst))
	}
	c.prepare(cfg, 0)
	return c, fc, rec
}

func notesStepAt(pitch int) tracker.Step {
	return tracker.NotesStep([]note.Event{note.NewEvent(pitch, 90)})
}

func allFourReport(c *core, stepIndex int, step tracker.Step) {
	for _, inst := range config.Instruments {
		c.enqueueStep(inst, stepIndex, step)
	}
}

func TestCore_NotesScheduleOnAndOff(t *testing.T) {
	c, fc, rec := newTestCore(t)
	allFourReport(c, 0, notesStepAt(60))

	fc.Advance(100)
	c.sched.Flush()

	if len(rec.on) != 4 {
		t.Fatalf("note-on fired %d times, want 4 (one per instrument)", len(rec.on))
	}
	if len(rec.off) != 4 {
		t.Fatalf("note-off fired %d times, want 4", len(rec.off))
	}
}

func TestCore_RestReleasesActiveVoices(t *testing.T) {
	c, fc, rec := newTestCore(t)
	allFourReport(c, 0, notesStepAt(60))
	// Step 0 starts at 0.5 (section lookahead) and ends at 0.625; stop in
	// between so the voices are still active when the rest arrives.
	fc.Advance(0.55)
	c.sched.Flush()
	rec.off = nil

	allFourReport(c, 1, tracker.RestStep())
	fc.Advance(100)
	c.sched.Flush()

	if len(rec.off) == 0 {
		t.Fatal("rest should release active voices")
	}
}

func TestCore_TieExtendsRatherThanRetriggers(t *testing.T) {
	c, fc, rec := newTestCore(t)
	allFourReport(c, 0, notesStepAt(60))
	fc.Advance(100)
	c.sched.Flush()
	onBefore := len(rec.on)

	allFourReport(c, 1, tracker.TieStep())
	fc.Advance(100)
	c.sched.Flush()

	if len(rec.on) != onBefore {
		t.Fatalf("tie must not retrigger a note-on: on count %d -> %d", onBefore, len(rec.on))
	}
}

func TestCore_TieOnAlreadyClosedVoiceStaysSilent(t *testing.T) {
	c, fc, rec := newTestCore(t)
	allFourReport(c, 0, tracker.RestStep())
	fc.Advance(100)
	c.sched.Flush()

	allFourReport(c, 1, tracker.TieStep())
	fc.Advance(100)
	c.sched.Flush()

	if len(rec.on) != 0 || len(rec.off) != 0 {
		t.Fatalf("tie over a closed voice should produce no events, got on=%d off=%d", len(rec.on), len(rec.off))
	}
}

func TestCore_DrumHitsIgnoreTieAndRest(t *testing.T) {
	cfg, err := config.New(
		120, false, 0.5, 480, 1, config.TimeSignature{Num: 4, Den: 4},
		config.DefaultChannels(), config.DefaultGMPrograms(), config.DefaultGMDrums(),
	)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	fc := &fakeClock{}
	c := newCore(fc.Now, nil)
	rec := &recorder{}
	c.noteOn = func(inst config.Instrument, pitch, velocity int) { rec.on = append(rec.on, string(inst)) }
	c.noteOff = func(inst config.Instrument, pitch int) { rec.off = append(rec.off, string(inst)) }
	c.prepare(cfg, 0)

	for _, inst := range config.Instruments {
		if inst == config.Drums {
			c.enqueueStep(inst, 0, tracker.RestStep())
		} else {
			c.enqueueStep(inst, 0, notesStepAt(60))
		}
	}
	fc.Advance(100)
	c.sched.Flush()

	for _, inst := range rec.on {
		if inst == string(config.Drums) {
			t.Fatal("drums should never fire from a rest step")
		}
	}
}

func TestCore_StepDurationFloor(t *testing.T) {
	cfg, err := config.New(
		600, false, 0.5, 480, 1, config.TimeSignature{Num: 4, Den: 4},
		config.DefaultChannels(), config.DefaultGMPrograms(), config.DefaultGMDrums(),
	)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	c := &core{cfg: cfg}
	d := c.stepDurationLocked(0)
	if d != minStepDuration {
		t.Fatalf("stepDurationLocked = %v, want the %v floor at this tempo", d, minStepDuration)
	}
}
