// Package playback implements the two interchangeable playback sinks from
// spec section 4.6 — a software soundfont synthesiser and an external MIDI
// output — plus the preference-driven selection between them and the
// section coordinator (spec section 4.5) that synchronises the four
// quartet voices before either sink ever sees a step.
package playback

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

// ErrPlaybackUnavailable is returned by Select when neither sink could be
// prepared.
var ErrPlaybackUnavailable = errors.New("playback: no backend initialised successfully")

// initialLookahead pads every computed startTime beyond a sink's own buffer
// lead, absorbing scheduling jitter between prepare() and the first step
// actually arriving from the generation loop. Not pinned to a value by the
// specification; see DESIGN.md.
const initialLookahead = 0.1

// Backend is the capability set the generation loop drives playback through.
// Both sinks implement it identically in shape; only the underlying note-on
// and note-off primitives differ.
type Backend interface {
	Prepare(cfg config.Config) error
	EnqueueStep(inst config.Instrument, stepIndex int, step tracker.Step)
	StopAll()
	Shutdown()
	LeadSeconds() float64
	SectionDuration() float64
}

// Degraded is returned alongside a successfully selected Backend when the
// preferred sink could not be prepared and the fallback was used instead.
// It is a status, not an error: playback proceeds normally.
type Degraded struct {
	Preferred string
	Used      string
	Cause     error
}

func (d *Degraded) Error() string {
	return fmt.Sprintf("playback: preferred backend %q unavailable (%v), degraded to %q", d.Preferred, d.Cause, d.Used)
}

// Select prepares the preferred backend ("soundfont" or "midi"); if it
// fails, the other is tried. If both fail, it returns ErrPlaybackUnavailable.
// A non-nil *Degraded alongside a non-nil Backend means the fallback was
// used; callers should log it and continue rather than treat it as fatal.
func Select(preferred string, cfg config.Config, soundfontPath string, log *slog.Logger) (Backend, *Degraded, error) {
	if log == nil {
		log = slog.Default()
	}

	order := []string{"soundfont", "midi"}
	if preferred == "midi" {
		order = []string{"midi", "soundfont"}
	}

	var firstErr error
	for i, name := range order {
		backend, err := newSink(name, soundfontPath, log)
		if err != nil {
			if i == 0 {
				firstErr = err
				continue
			}
			return nil, nil, fmt.Errorf("%w: %v, %v", ErrPlaybackUnavailable, firstErr, err)
		}
		if err := backend.Prepare(cfg); err != nil {
			backend.Shutdown()
			if i == 0 {
				firstErr = err
				continue
			}
			return nil, nil, fmt.Errorf("%w: %v, %v", ErrPlaybackUnavailable, firstErr, err)
		}
		if i == 0 {
			return backend, nil, nil
		}
		return backend, &Degraded{Preferred: order[0], Used: name, Cause: firstErr}, nil
	}
	return nil, nil, ErrPlaybackUnavailable
}

func newSink(name, soundfontPath string, log *slog.Logger) (Backend, error) {
	switch name {
	case "soundfont":
		return NewSoundfontSink(soundfontPath, log)
	case "midi":
		return NewMIDISink(log)
	default:
		return nil, fmt.Errorf("playback: unknown backend %q", name)
	}
}
