//go:build !cgo

package playback

import "errors"

// errNoCgo is returned unconditionally: rtmidi's real driver needs cgo, so
// without it the MIDI sink is never available and Select falls back to the
// soundfont sink, per the cgo/!cgo split vsariola-sointu uses for the same
// driver.
var errNoCgo = errors.New("playback: MIDI output requires a cgo build")

func openMIDIOutput() (midiOutput, error) {
	return nil, errNoCgo
}
