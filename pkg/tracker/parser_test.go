package tracker

import (
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/simpolism/infinite-jazz/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestParser_RestTieNoteSequence(t *testing.T) {
	cfg := config.Default()
	p := NewParser(cfg, discardLogger())

	events := p.AppendChunk("BASS\n1 C2:80\n2 ^\n3 .\n4 E2:75\n")
	events = append(events, p.Finalize()...)

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	if !events[0].Step.Valid() || len(events[0].Step.Notes) != 1 {
		t.Errorf("step 0 should be a single note, got %+v", events[0].Step)
	}
	if !events[1].Step.IsTie {
		t.Errorf("step 1 should be a tie, got %+v", events[1].Step)
	}
	if !events[2].Step.IsRest {
		t.Errorf("step 2 should be a rest, got %+v", events[2].Step)
	}
	if len(events[3].Step.Notes) != 1 {
		t.Errorf("step 3 should be a single note, got %+v", events[3].Step)
	}
	for i, ev := range events {
		if ev.StepIndex != i {
			t.Errorf("event %d has StepIndex %d, want %d", i, ev.StepIndex, i)
		}
	}
}

func TestParser_MalformedVelocityIsSkippedNotCounted(t *testing.T) {
	cfg := config.Default()
	p := NewParser(cfg, discardLogger())

	events := p.AppendChunk("BASS\n1 C2:abc\n2 D2:80\n")
	events = append(events, p.Finalize()...)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].StepIndex != 0 {
		t.Errorf("surviving line should become step 0, got %d", events[0].StepIndex)
	}
}

func TestParser_ChordAndTrailingJunk(t *testing.T) {
	cfg := config.Default()
	p := NewParser(cfg, discardLogger())

	events := p.AppendChunk("PIANO\n1 C4:70,E4:65,G4:68\n2 C4:70.\n3 C4:70,E4:65,\n")
	events = append(events, p.Finalize()...)

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if len(events[0].Step.Notes) != 3 {
		t.Errorf("chord should have 3 notes, got %d", len(events[0].Step.Notes))
	}
	if len(events[1].Step.Notes) != 1 {
		t.Errorf("trailing period should be stripped, got %d notes", len(events[1].Step.Notes))
	}
	if len(events[2].Step.Notes) != 2 {
		t.Errorf("trailing comma should be stripped, got %d notes", len(events[2].Step.Notes))
	}
}

func TestParser_StepCapEnforced(t *testing.T) {
	cfg := config.Default() // totalSteps = 32 (4/4, 2 bars, 16 steps/bar)
	p := NewParser(cfg, discardLogger())

	var sb []byte
	sb = append(sb, "BASS\n"...)
	total := cfg.TotalSteps()
	for i := 0; i < total+5; i++ {
		sb = append(sb, "C2:80\n"...)
	}
	events := p.AppendChunk(string(sb))
	events = append(events, p.Finalize()...)

	if len(events) != total {
		t.Fatalf("got %d events, want exactly totalSteps=%d", len(events), total)
	}
}

func TestParser_HeaderBeforeDataRequired(t *testing.T) {
	cfg := config.Default()
	p := NewParser(cfg, discardLogger())

	events := p.AppendChunk("C2:80\n")
	events = append(events, p.Finalize()...)
	if len(events) != 0 {
		t.Fatalf("expected no events for data preceding any header, got %d", len(events))
	}
}

func TestParser_ChunkBoundarySplitsLine(t *testing.T) {
	cfg := config.Default()
	p := NewParser(cfg, discardLogger())

	var events []LineEvent
	events = append(events, p.AppendChunk("BASS\n1 C2:8")...)
	events = append(events, p.AppendChunk("0\n2 D2:75\n")...)
	events = append(events, p.Finalize()...)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (line split across chunk boundary)", len(events))
	}
	if events[0].Step.Notes[0].Pitch != 36 {
		t.Errorf("first note pitch = %d, want 36 (C2)", events[0].Step.Notes[0].Pitch)
	}
}

func TestParseNoteEntry(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"rest dot", ".", false},
		{"rest empty", "", false},
		{"tie", "^", false},
		{"single note", "C4:80", false},
		{"chord", "C4:70,E4:65,G4:68", false},
		{"missing colon", "C4", true},
		{"no velocity digits", "C4:abc", true},
		{"invalid pitch", "H4:80", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := parseNoteEntry(c.in)
			if c.wantErr && err == nil {
				t.Fatalf("parseNoteEntry(%q) expected error, got nil", c.in)
			}
			if !c.wantErr && err != nil {
				t.Fatalf("parseNoteEntry(%q) unexpected error: %v", c.in, err)
			}
		})
	}
}

// TestProperty_StepCap checks the invariant from spec section 8: the
// parser never emits more than totalSteps events per (section, instrument)
// regardless of how many extra lines the stream contains.
func TestProperty_StepCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("parser never exceeds totalSteps events for one instrument", prop.ForAll(
		func(extra int) bool {
			cfg := config.Default()
			p := NewParser(cfg, discardLogger())

			var sb []byte
			sb = append(sb, "DRUMS\n"...)
			for i := 0; i < cfg.TotalSteps()+extra; i++ {
				sb = append(sb, "C1:90\n"...)
			}
			events := p.AppendChunk(string(sb))
			events = append(events, p.Finalize()...)
			return len(events) <= cfg.TotalSteps()
		},
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
