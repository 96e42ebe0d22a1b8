// Package note converts between note names and MIDI note numbers, and
// between MIDI note numbers and frequency, for the tracker notation
// described in spec section 6.
package note

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidNote is returned by ToMIDI when a note name cannot be parsed or
// resolves outside the MIDI range.
var ErrInvalidNote = errors.New("note: invalid note name")

var namePattern = regexp.MustCompile(`^([A-G][#b]?)(-?\d+)$`)

// offsets maps a natural-or-accidental note letter to its semitone offset
// from C, including the enharmonic spellings Cb, B#, Fb, E# the original
// tracker corpus allows.
var offsets = map[string]int{
	"C": 0, "C#": 1, "Db": 1, "D": 2, "D#": 3, "Eb": 3,
	"E": 4, "Fb": 4, "E#": 5, "F": 5, "F#": 6, "Gb": 6,
	"G": 7, "G#": 8, "Ab": 8, "A": 9, "A#": 10, "Bb": 10,
	"B": 11, "Cb": 11, "B#": 0,
}

// accidentalReplacer normalizes the Unicode accidental glyphs (♯ ♭ ♮) the
// LLM occasionally emits into their ASCII equivalents before parsing.
var accidentalReplacer = strings.NewReplacer(
	"♯", "#", // ♯ SHARP SIGN
	"♭", "b", // ♭ FLAT SIGN
	"♮", "", // ♮ NATURAL SIGN
)

// ToMIDI parses a note name such as "C4", "A#3", "Gb5", "Cb4" or "B#3" and
// returns its MIDI note number. Cb drops an octave and B# rises one octave
// to preserve the enharmonic pitch, matching the original tracker's
// note_to_midi.
func ToMIDI(name string) (int, error) {
	normalized := accidentalReplacer.Replace(name)
	m := namePattern.FindStringSubmatch(normalized)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNote, name)
	}
	letter, octaveStr := m[1], m[2]
	offset, ok := offsets[letter]
	if !ok {
		return 0, fmt.Errorf("%w: unknown letter/accidental %q", ErrInvalidNote, letter)
	}
	octave, err := strconv.Atoi(octaveStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNote, name)
	}

	switch letter {
	case "Cb":
		octave--
	case "B#":
		octave++
	}

	midi := (octave+1)*12 + offset
	if midi < 0 || midi > 127 {
		return 0, fmt.Errorf("%w: %q resolves to out-of-range MIDI number %d", ErrInvalidNote, name, midi)
	}
	return midi, nil
}

// ToFrequency converts a MIDI note number to its frequency in Hz, using
// A4 = 440Hz equal temperament.
func ToFrequency(midi int) float64 {
	return 440.0 * math.Pow(2, float64(midi-69)/12.0)
}

// Event is a single sounding note: a MIDI pitch and a clamped velocity.
type Event struct {
	Pitch    int
	Velocity int
}

// ClampVelocity restricts v to the valid MIDI velocity range. It is used at
// construction time so that every Event in the system already holds a
// legal velocity.
func ClampVelocity(v int) int {
	if v < 0 {
		return 0
	}
	if v > 127 {
		return 127
	}
	return v
}

// NewEvent constructs an Event, clamping velocity at construction per the
// invariant in spec section 3.
func NewEvent(pitch, velocity int) Event {
	return Event{Pitch: pitch, Velocity: ClampVelocity(velocity)}
}
