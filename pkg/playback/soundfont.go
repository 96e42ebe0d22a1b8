package playback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/scheduler"
	"github.com/simpolism/infinite-jazz/pkg/section"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

// sampleRate matches the teacher's MIDI player; go-meltysynth and
// ebiten/v2/audio both accept it directly.
const sampleRate = 44100

// ccAllSoundOff and ccAllNotesOff are the General MIDI control-change
// numbers stopAll sends on every channel.
const (
	ccAllSoundOff = 120
	ccAllNotesOff = 123
)

// synthStream renders live audio straight from a *meltysynth.Synthesizer,
// the same io.Reader shape as the teacher's MIDIStream but driven by
// NoteOn/NoteOff calls instead of a pre-sequenced MIDI file.
type synthStream struct {
	synth *meltysynth.Synthesizer
	mu    sync.Mutex
}

func (s *synthStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := len(p) / 4
	if samples == 0 {
		return 0, nil
	}
	left := make([]float32, samples)
	right := make([]float32, samples)
	s.synth.Render(left, right)

	for i := 0; i < samples; i++ {
		l := int16(clampF(left[i], -1, 1) * 32767)
		r := int16(clampF(right[i], -1, 1) * 32767)
		binary.LittleEndian.PutUint16(p[i*4:], uint16(l))
		binary.LittleEndian.PutUint16(p[i*4+2:], uint16(r))
	}
	return len(p), nil
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SoundfontSink is the software-synthesiser playback sink from spec
// section 4.6. It owns an audio context, a soundfont synthesiser, and the
// shared section-coordinator/voice-tracking core every sink uses.
type SoundfontSink struct {
	core *core
	log  *slog.Logger

	cfg           config.Config
	soundFontPath string
	soundFont     *meltysynth.SoundFont
	synth         *meltysynth.Synthesizer
	audioCtx      *audio.Context
	stream        *synthStream
	player        *audio.Player
}

// NewSoundfontSink loads the soundfont at path and constructs a sink ready
// for Prepare. Loading happens eagerly so Select can treat a missing or
// corrupt soundfont file as an immediate failure.
func NewSoundfontSink(path string, log *slog.Logger) (*SoundfontSink, error) {
	if path == "" {
		return nil, fmt.Errorf("playback: soundfont sink requires a soundfont path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playback: reading soundfont %q: %w", path, err)
	}
	sf, err := meltysynth.NewSoundFont(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("playback: parsing soundfont %q: %w", path, err)
	}
	settings := meltysynth.NewSynthesizerSettings(sampleRate)
	synth, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return nil, fmt.Errorf("playback: creating synthesizer: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	s := &SoundfontSink{
		log:           log,
		soundFontPath: path,
		soundFont:     sf,
		synth:         synth,
		audioCtx:      audio.NewContext(sampleRate),
	}
	s.core = newCore(scheduler.NewWallClock(), log)
	s.core.noteOn = s.sendNoteOn
	s.core.noteOff = s.sendNoteOff
	s.core.allSoundsOff = s.sendAllSoundsOff
	return s, nil
}

// Prepare implements Backend. Per spec section 4.6 the soundfont sink's
// buffer lead is 4*sectionDuration.
func (s *SoundfontSink) Prepare(cfg config.Config) error {
	s.cfg = cfg
	s.StopAll()

	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
	s.stream = &synthStream{synth: s.synth}
	player, err := s.audioCtx.NewPlayer(s.stream)
	if err != nil {
		return fmt.Errorf("playback: creating audio player: %w", err)
	}
	s.player = player

	for _, inst := range []config.Instrument{config.Bass, config.Piano, config.Sax} {
		s.synth.ProcessMidiMessage(int32(cfg.Channel(inst)), 0xC0, int32(cfg.Program(inst)), 0)
	}

	bufferLead := 4 * pendingSectionDuration(cfg)
	s.core.prepare(cfg, bufferLead)

	s.player.Play()
	return nil
}

// pendingSectionDuration computes the section duration Prepare needs for
// its buffer-lead calculation before the coordinator that will own it
// exists yet.
func pendingSectionDuration(cfg config.Config) float64 {
	total := cfg.TotalSteps()
	return section.StepOffset(total, total, cfg.SecondsPerStep(), cfg.SwingEnabled, cfg.SwingRatio)
}

func (s *SoundfontSink) EnqueueStep(inst config.Instrument, stepIndex int, step tracker.Step) {
	s.core.enqueueStep(inst, stepIndex, step)
}

func (s *SoundfontSink) StopAll() {
	s.core.stopAll()
}

func (s *SoundfontSink) Shutdown() {
	s.StopAll()
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
}

func (s *SoundfontSink) LeadSeconds() float64     { return s.core.leadSeconds() }
func (s *SoundfontSink) SectionDuration() float64 { return s.core.sectionDuration() }

func (s *SoundfontSink) sendNoteOn(inst config.Instrument, pitch, velocity int) {
	s.synth.NoteOn(int32(s.cfg.Channel(inst)), int32(pitch), int32(velocity))
}

func (s *SoundfontSink) sendNoteOff(inst config.Instrument, pitch int) {
	s.synth.NoteOff(int32(s.cfg.Channel(inst)), int32(pitch))
}

func (s *SoundfontSink) sendAllSoundsOff(inst config.Instrument) {
	ch := int32(s.cfg.Channel(inst))
	s.synth.ProcessMidiMessage(ch, 0xB0, ccAllSoundOff, 0)
	s.synth.ProcessMidiMessage(ch, 0xB0, ccAllNotesOff, 0)
}
