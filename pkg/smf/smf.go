// Package smf encodes parsed tracker tracks as a Standard MIDI File,
// type 1, with swing-aware tick placement. It is the write-side mirror of
// the chunk/variable-length-quantity format the teacher's MIDI player
// parses when loading a file for playback.
package smf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

const endOfTrack = "\xFF\x2F\x00"

// StepTick returns the tick offset of step i within a section, using the
// swing formula from spec section 4.3: even steps land on the pair start,
// odd steps land at round(2T*swingRatio) into the pair (swing enabled) or
// exactly T into the pair (swing disabled). i == totalSteps is the tail
// boundary used for the closing note-offs and uses i*T directly rather
// than the pair formula.
func StepTick(i, totalSteps, ticksPerStep int, swingEnabled bool, swingRatio float64) int {
	if i == totalSteps {
		return i * ticksPerStep
	}
	pair := i / 2
	pairStart := pair * 2 * ticksPerStep
	if i%2 == 0 {
		return pairStart
	}
	if swingEnabled {
		return pairStart + round(2*float64(ticksPerStep)*swingRatio)
	}
	return pairStart + ticksPerStep
}

func round(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// Encode renders the given tracks as a complete SMF byte stream: an MThd
// header, a tempo track, then one track per instrument in config.Instruments
// order (skipping instruments with no track present).
func Encode(tracks []tracker.Track, cfg config.Config) ([]byte, error) {
	byInst := make(map[config.Instrument]tracker.Track, len(tracks))
	for _, t := range tracks {
		byInst[t.Instrument] = t
	}

	var ordered []tracker.Track
	for _, inst := range config.Instruments {
		if t, ok := byInst[inst]; ok {
			ordered = append(ordered, t)
		}
	}
	if len(ordered) == 0 {
		return nil, fmt.Errorf("smf: no tracks to encode")
	}

	var buf bytes.Buffer
	writeHeader(&buf, len(ordered)+1, cfg.TicksPerBeat)
	writeTempoTrack(&buf, cfg.Tempo)
	for _, t := range ordered {
		trk, err := encodeTrack(t, cfg)
		if err != nil {
			return nil, err
		}
		buf.Write(trk)
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, trackCount, division int) {
	buf.WriteString("MThd")
	writeUint32(buf, 6)
	writeUint16(buf, 1) // format 1
	writeUint16(buf, uint16(trackCount))
	writeUint16(buf, uint16(division))
}

func writeTempoTrack(buf *bytes.Buffer, tempo float64) {
	microsPerQuarter := round(60_000_000.0 / tempo)

	var body bytes.Buffer
	writeVarLen(&body, 0)
	body.WriteByte(0xFF)
	body.WriteByte(0x51)
	body.WriteByte(0x03)
	body.WriteByte(byte(microsPerQuarter >> 16))
	body.WriteByte(byte(microsPerQuarter >> 8))
	body.WriteByte(byte(microsPerQuarter))
	writeVarLen(&body, 0)
	body.WriteString(endOfTrack)

	buf.WriteString("MTrk")
	writeUint32(buf, uint32(body.Len()))
	buf.Write(body.Bytes())
}

// midiEvent is one absolute-tick event awaiting delta-time encoding. Note
// offs at the same tick as note-ons are ordered first via priority, as
// required by spec section 4.3's "note-offs before note-ons" rule.
type midiEvent struct {
	tick     int
	priority int // lower fires first at an equal tick
	status   byte
	data1    byte
	data2    byte
}

func encodeTrack(t tracker.Track, cfg config.Config) ([]byte, error) {
	channel := byte(cfg.Channel(t.Instrument))
	var events []midiEvent

	if t.Instrument != config.Drums {
		events = append(events, midiEvent{
			tick:     0,
			priority: -2,
			status:   0xC0 | channel,
			data1:    byte(cfg.Program(t.Instrument)),
		})
	}

	if t.Instrument == config.Drums {
		events = append(events, encodeDrumEvents(t.Steps, cfg, channel)...)
	} else {
		events = append(events, encodeMelodicEvents(t.Steps, cfg, channel)...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].tick != events[j].tick {
			return events[i].tick < events[j].tick
		}
		return events[i].priority < events[j].priority
	})

	var body bytes.Buffer
	writeVarLen(&body, 0)
	body.WriteString(trackNameMeta(string(t.Instrument)))

	last := 0
	for _, ev := range events {
		writeVarLen(&body, ev.tick-last)
		last = ev.tick
		body.WriteByte(ev.status)
		body.WriteByte(ev.data1)
		body.WriteByte(ev.data2)
	}
	writeVarLen(&body, 0)
	body.WriteString(endOfTrack)

	var out bytes.Buffer
	out.WriteString("MTrk")
	writeUint32(&out, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func trackNameMeta(name string) string {
	var b bytes.Buffer
	b.WriteByte(0xFF)
	b.WriteByte(0x03)
	writeVarLen(&b, len(name))
	b.WriteString(name)
	return b.String()
}

// encodeMelodicEvents walks a melodic instrument's steps, maintaining the
// set of currently active pitches so that ties extend held notes and
// note/rest steps release-then-retrigger, per spec section 4.3.
func encodeMelodicEvents(steps []tracker.Step, cfg config.Config, channel byte) []midiEvent {
	var events []midiEvent
	active := map[int]bool{}

	for i, step := range steps {
		tick := StepTick(i, len(steps), cfg.TicksPerStep(), cfg.SwingEnabled, cfg.SwingRatio)

		switch {
		case step.IsTie:
			// Extend: no note-off/note-on pair emitted.
		case step.IsRest:
			for pitch := range active {
				events = append(events, noteOff(tick, 1, channel, pitch))
				delete(active, pitch)
			}
		default:
			for pitch := range active {
				events = append(events, noteOff(tick, -1, channel, pitch))
				delete(active, pitch)
			}
			for _, n := range step.Notes {
				events = append(events, noteOn(tick, 0, channel, n.Pitch, n.Velocity))
				active[n.Pitch] = true
			}
		}
	}

	tail := StepTick(len(steps), len(steps), cfg.TicksPerStep(), cfg.SwingEnabled, cfg.SwingRatio)
	for pitch := range active {
		events = append(events, noteOff(tail, 1, channel, pitch))
	}
	return events
}

// encodeDrumEvents emits a one-shot note-on/note-off pair for every noted
// drum step; ties and rests produce nothing, per spec section 4.3.
func encodeDrumEvents(steps []tracker.Step, cfg config.Config, channel byte) []midiEvent {
	var events []midiEvent
	offLength := cfg.TicksPerStep() / 2
	if offLength < 12 {
		offLength = 12
	}

	for i, step := range steps {
		if step.IsRest || step.IsTie || len(step.Notes) == 0 {
			continue
		}
		tick := StepTick(i, len(steps), cfg.TicksPerStep(), cfg.SwingEnabled, cfg.SwingRatio)
		for _, n := range step.Notes {
			events = append(events, noteOn(tick, 0, channel, n.Pitch, n.Velocity))
			events = append(events, noteOff(tick+offLength, 1, channel, n.Pitch))
		}
	}
	return events
}

func noteOn(tick, priority int, channel byte, pitch, velocity int) midiEvent {
	v := velocity
	if v < 1 {
		v = 1
	}
	if v > 127 {
		v = 127
	}
	return midiEvent{tick: tick, priority: priority, status: 0x90 | channel, data1: byte(pitch), data2: byte(v)}
}

func noteOff(tick, priority int, channel byte, pitch int) midiEvent {
	return midiEvent{tick: tick, priority: priority, status: 0x80 | channel, data1: byte(pitch), data2: 0}
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// writeVarLen writes v as a MIDI variable-length quantity: 7 bits per byte,
// most significant byte first, all but the last byte with the high bit set.
// Mirrors readVarLen's bit layout in reverse.
func writeVarLen(buf *bytes.Buffer, v int) {
	if v < 0 {
		v = 0
	}
	var stack []byte
	stack = append(stack, byte(v&0x7F))
	v >>= 7
	for v > 0 {
		stack = append(stack, byte(v&0x7F)|0x80)
		v >>= 7
	}
	for i := len(stack) - 1; i >= 0; i-- {
		buf.WriteByte(stack[i])
	}
}
