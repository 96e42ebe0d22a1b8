package playback

import (
	"fmt"
	"log/slog"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/scheduler"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

// midiBufferLead is the external MIDI sink's buffer lead, per spec
// section 4.6 (the soundfont sink uses 4*sectionDuration instead, since it
// also has to fill an audio ring buffer).
const midiBufferLead = 0.200

// midiOutput is the subset of a MIDI output connection the sink needs.
// Implemented differently depending on the cgo build tag; see
// midi_cgo.go and midi_nocgo.go.
type midiOutput interface {
	Send(msg gomidi.Message) error
	Close() error
}

// MIDISink is the external MIDI playback sink from spec section 4.6. It
// sends raw note-on/note-off messages to the first available MIDI output,
// with absolute timing driven entirely by the shared scheduler core.
type MIDISink struct {
	core *core
	log  *slog.Logger
	out  midiOutput
	cfg  config.Config
}

// NewMIDISink opens the first available MIDI output. openMIDIOutput is
// provided by midi_cgo.go when built with cgo (a real rtmidi device) and by
// midi_nocgo.go otherwise (always fails, so Select falls back cleanly).
func NewMIDISink(log *slog.Logger) (*MIDISink, error) {
	out, err := openMIDIOutput()
	if err != nil {
		return nil, fmt.Errorf("playback: opening MIDI output: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &MIDISink{log: log, out: out}
	s.core = newCore(scheduler.NewWallClock(), log)
	s.core.noteOn = s.sendNoteOn
	s.core.noteOff = s.sendNoteOff
	s.core.allSoundsOff = s.sendAllSoundsOff
	return s, nil
}

// Prepare implements Backend. Per spec section 4.6 the MIDI sink's buffer
// lead is a fixed 200ms.
func (s *MIDISink) Prepare(cfg config.Config) error {
	s.cfg = cfg
	s.StopAll()

	for _, inst := range []config.Instrument{config.Bass, config.Piano, config.Sax} {
		msg := gomidi.ProgramChange(uint8(cfg.Channel(inst)), uint8(cfg.Program(inst)))
		if err := s.out.Send(msg); err != nil {
			return fmt.Errorf("playback: sending program change for %s: %w", inst, err)
		}
	}

	s.core.prepare(cfg, midiBufferLead)
	return nil
}

func (s *MIDISink) EnqueueStep(inst config.Instrument, stepIndex int, step tracker.Step) {
	s.core.enqueueStep(inst, stepIndex, step)
}

func (s *MIDISink) StopAll() {
	s.core.stopAll()
}

func (s *MIDISink) Shutdown() {
	s.StopAll()
	if s.out != nil {
		s.out.Close()
	}
	gomidi.CloseDriver()
}

func (s *MIDISink) LeadSeconds() float64     { return s.core.leadSeconds() }
func (s *MIDISink) SectionDuration() float64 { return s.core.sectionDuration() }

func (s *MIDISink) sendNoteOn(inst config.Instrument, pitch, velocity int) {
	s.send(gomidi.NoteOn(uint8(s.cfg.Channel(inst)), uint8(pitch), uint8(velocity)))
}

func (s *MIDISink) sendNoteOff(inst config.Instrument, pitch int) {
	s.send(gomidi.NoteOff(uint8(s.cfg.Channel(inst)), uint8(pitch)))
}

func (s *MIDISink) sendAllSoundsOff(inst config.Instrument) {
	ch := uint8(s.cfg.Channel(inst))
	s.send(gomidi.ControlChange(ch, ccAllSoundOff, 0))
	s.send(gomidi.ControlChange(ch, ccAllNotesOff, 0))
}

func (s *MIDISink) send(msg gomidi.Message) {
	if err := s.out.Send(msg); err != nil {
		s.log.Error("playback: MIDI send failed", "err", err)
	}
}
