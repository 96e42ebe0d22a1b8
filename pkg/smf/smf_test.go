package smf

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/note"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

func testConfig(t *testing.T) config.Config {
	cfg, err := config.New(
		120, true, 0.67, 480, 2, config.TimeSignature{Num: 4, Den: 4},
		config.DefaultChannels(), config.DefaultGMPrograms(), config.DefaultGMDrums(),
	)
	if err != nil {
		t.Fatalf("testConfig: %v", err)
	}
	return cfg
}

// TestStepTick_WorkedExample mirrors the spec's concrete worked example:
// T=120, swingRatio=0.67 gives ticks(0..4) = 0, 161, 240, 401, 480.
func TestStepTick_WorkedExample(t *testing.T) {
	want := []int{0, 161, 240, 401, 480}
	for i, w := range want {
		got := StepTick(i, 4, 120, true, 0.67)
		if got != w {
			t.Errorf("StepTick(%d) = %d, want %d", i, got, w)
		}
	}
}

// TestEncode_RestTieNoteSequence mirrors the spec's end-to-end scenario 1:
// note-on 36 at 0, note-off 36 at 240, note-on 40 at 401, note-off 40 at 480.
func TestEncode_RestTieNoteSequence(t *testing.T) {
	cfg := testConfig(t)
	steps := []tracker.Step{
		tracker.NotesStep([]note.Event{note.NewEvent(36, 80)}),
		tracker.TieStep(),
		tracker.RestStep(),
		tracker.NotesStep([]note.Event{note.NewEvent(40, 75)}),
	}
	events := encodeMelodicEvents(steps, cfg, 0)

	type want struct {
		tick   int
		status byte
		pitch  byte
	}
	wants := []want{
		{0, 0x90, 36},
		{240, 0x80, 36},
		{401, 0x90, 40},
		{480, 0x80, 40},
	}
	if len(events) != len(wants) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wants), events)
	}
	for i, w := range wants {
		if events[i].tick != w.tick || events[i].status != w.status || events[i].data1 != w.pitch {
			t.Errorf("event %d = %+v, want tick=%d status=%#x pitch=%d", i, events[i], w.tick, w.status, w.pitch)
		}
	}
}

// TestEncode_ChordAtStepZero mirrors scenario 2: three note-ons at tick 0,
// three note-offs at tick(1).
func TestEncode_ChordAtStepZero(t *testing.T) {
	cfg := testConfig(t)
	steps := []tracker.Step{
		tracker.NotesStep([]note.Event{
			note.NewEvent(48, 65), note.NewEvent(52, 60), note.NewEvent(55, 62),
		}),
		tracker.RestStep(),
	}
	events := encodeMelodicEvents(steps, cfg, byte(cfg.Channel(config.Piano)))

	onCount, offCount := 0, 0
	for _, ev := range events {
		if ev.status&0xF0 == 0x90 {
			onCount++
			if ev.tick != 0 {
				t.Errorf("note-on at tick %d, want 0", ev.tick)
			}
		}
		if ev.status&0xF0 == 0x80 {
			offCount++
			if ev.tick != StepTick(1, len(steps), cfg.TicksPerStep(), cfg.SwingEnabled, cfg.SwingRatio) {
				t.Errorf("note-off at tick %d, want tick(1)", ev.tick)
			}
		}
	}
	if onCount != 3 || offCount != 3 {
		t.Errorf("got %d note-ons and %d note-offs, want 3 and 3", onCount, offCount)
	}
}

func TestEncode_DrumsIgnoreTiesAndRests(t *testing.T) {
	cfg := testConfig(t)
	steps := []tracker.Step{
		tracker.NotesStep([]note.Event{note.NewEvent(36, 90)}),
		tracker.TieStep(),
		tracker.RestStep(),
	}
	events := encodeDrumEvents(steps, cfg, config.DrumsChannel)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (one note-on, one note-off)", len(events))
	}
	if events[0].status&0x0F != config.DrumsChannel {
		t.Errorf("drum event channel = %d, want %d", events[0].status&0x0F, config.DrumsChannel)
	}
}

func TestEncode_ProducesWellFormedHeader(t *testing.T) {
	cfg := testConfig(t)
	tracks := []tracker.Track{
		{Instrument: config.Bass, Steps: []tracker.Step{tracker.NotesStep([]note.Event{note.NewEvent(36, 80)})}},
		{Instrument: config.Drums, Steps: []tracker.Step{tracker.NotesStep([]note.Event{note.NewEvent(36, 90)})}},
	}
	data, err := Encode(tracks, cfg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data[0:4]) != "MThd" {
		t.Fatalf("missing MThd header")
	}
	trackCount := int(data[10])<<8 | int(data[11])
	if trackCount != 3 { // tempo + bass + drums
		t.Errorf("track count = %d, want 3", trackCount)
	}
}

func TestEncode_NoTracksFails(t *testing.T) {
	cfg := testConfig(t)
	if _, err := Encode(nil, cfg); err == nil {
		t.Fatal("expected error encoding zero tracks")
	}
}

// TestProperty_SwingTickLaw checks the invariant from spec section 8: for
// every odd step i, tick(i) - tick(i-1) = round(2T*swingRatio); for every
// even i > 0, tick(i) - tick(i-1) = 2T - round(2T*swingRatio) (swing on) or
// T (swing off).
func TestProperty_SwingTickLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("swing tick deltas follow the pair formula", prop.ForAll(
		func(ticksPerStep int, swingPercent int, totalSteps int) bool {
			swingRatio := float64(swingPercent) / 100.0
			for i := 1; i < totalSteps; i++ {
				prev := StepTick(i-1, totalSteps, ticksPerStep, true, swingRatio)
				cur := StepTick(i, totalSteps, ticksPerStep, true, swingRatio)
				delta := cur - prev
				if i%2 == 1 {
					if delta != round(2*float64(ticksPerStep)*swingRatio) {
						return false
					}
				} else {
					if delta != 2*ticksPerStep-round(2*float64(ticksPerStep)*swingRatio) {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(4, 960),
		gen.IntRange(0, 100),
		gen.IntRange(2, 64),
	))

	properties.TestingRun(t)
}

// TestProperty_NoteOffCompleteness checks the invariant from spec section 8:
// every note-on has a matching note-off on the same channel and pitch.
func TestProperty_NoteOffCompleteness(t *testing.T) {
	cfg := testConfig(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every note-on has a matching note-off", prop.ForAll(
		func(n int) bool {
			steps := make([]tracker.Step, 0, n)
			for i := 0; i < n; i++ {
				switch i % 3 {
				case 0:
					steps = append(steps, tracker.NotesStep([]note.Event{note.NewEvent(40+i%20, 80)}))
				case 1:
					steps = append(steps, tracker.TieStep())
				case 2:
					steps = append(steps, tracker.RestStep())
				}
			}
			events := encodeMelodicEvents(steps, cfg, 0)

			onPitches := map[byte]int{}
			offPitches := map[byte]int{}
			for _, ev := range events {
				switch ev.status & 0xF0 {
				case 0x90:
					onPitches[ev.data1]++
				case 0x80:
					offPitches[ev.data1]++
				}
			}
			for pitch, count := range onPitches {
				if offPitches[pitch] < count {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
