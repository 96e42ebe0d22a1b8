//go:build cgo

package playback

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// realOutput wraps the gomidi send function returned by gomidi.SendTo,
// plus the underlying drivers.Out so Close can release the device.
type realOutput struct {
	send func(gomidi.Message) error
	out  drivers.Out
}

func (r *realOutput) Send(msg gomidi.Message) error { return r.send(msg) }
func (r *realOutput) Close() error                  { return r.out.Close() }

// openMIDIOutput opens the first available MIDI output port via rtmidi.
func openMIDIOutput() (midiOutput, error) {
	out, err := gomidi.OutPort(0)
	if err != nil {
		return nil, fmt.Errorf("no MIDI output ports available: %w", err)
	}
	send, err := gomidi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("connecting to MIDI output: %w", err)
	}
	return &realOutput{send: send, out: out}, nil
}
