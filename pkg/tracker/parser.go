// Package tracker incrementally decodes the LLM's tracker-notation byte
// stream into typed Steps, one Parser instance per generated section, and
// keeps the rolling per-instrument context a new generation's prompt is
// built from.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/note"
)

// ErrMalformedStep is returned by parseNoteEntry when a step body cannot be
// decoded: a note part missing its ':' separator, or a velocity with no
// digits. Malformed lines are logged and skipped by Parser, never
// propagated to the caller.
var ErrMalformedStep = errors.New("tracker: malformed step")

var lineNumberPrefix = regexp.MustCompile(`^\d+\.?\s+`)

var headers = map[string]config.Instrument{
	"BASS":  config.Bass,
	"DRUMS": config.Drums,
	"PIANO": config.Piano,
	"SAX":   config.Sax,
}

// Parser turns one section's worth of tracker text into LineEvents. It is
// strictly single-threaded cooperative: it only suspends between
// AppendChunk calls, and holds no goroutines or channels of its own.
type Parser struct {
	cfg    config.Config
	log    *slog.Logger
	header config.Instrument
	inHdr  bool

	partialLine string
	steps       map[config.Instrument][]Step
	lines       map[config.Instrument][]string
}

// NewParser constructs a Parser for one section's stream, bounding each
// instrument to cfg.TotalSteps() events.
func NewParser(cfg config.Config, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{
		cfg:   cfg,
		log:   log,
		steps: make(map[config.Instrument][]Step, len(config.Instruments)),
		lines: make(map[config.Instrument][]string, len(config.Instruments)),
	}
}

// AppendChunk feeds a fresh slice of bytes from the stream. It prepends any
// partial line retained from the previous call, splits on '\n', retains the
// new trailing partial segment, and processes every complete line,
// returning the LineEvents produced.
func (p *Parser) AppendChunk(chunk string) []LineEvent {
	combined := p.partialLine + chunk
	segments := strings.Split(combined, "\n")
	p.partialLine = segments[len(segments)-1]
	segments = segments[:len(segments)-1]

	var events []LineEvent
	for _, seg := range segments {
		if ev, ok := p.processLine(seg); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Finalize processes any trailing partial line with no terminating '\n'
// and clears parser state. Call it once, after the stream has ended.
func (p *Parser) Finalize() []LineEvent {
	var events []LineEvent
	if p.partialLine != "" {
		if ev, ok := p.processLine(p.partialLine); ok {
			events = append(events, ev)
		}
		p.partialLine = ""
	}
	return events
}

// processLine handles one physical line: header recognition, line-number
// stripping, note-entry parsing, and step-count enforcement.
func (p *Parser) processLine(raw string) (LineEvent, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return LineEvent{}, false
	}

	if inst, ok := headers[line]; ok {
		p.header = inst
		p.inHdr = true
		return LineEvent{}, false
	}
	if !p.inHdr {
		p.log.Warn("tracker: note data before instrument header, dropping line", "line", line)
		return LineEvent{}, false
	}

	inst := p.header
	if len(p.steps[inst]) >= p.cfg.TotalSteps() {
		// Step cap reached for this instrument in this section; additional
		// lines are ignored until a new header switches the current
		// instrument (which, within one section, does not happen again).
		return LineEvent{}, false
	}

	stripped := lineNumberPrefix.ReplaceAllString(line, "")
	step, err := parseNoteEntry(stripped)
	if err != nil {
		p.log.Warn("tracker: dropping malformed step", "instrument", inst, "line", stripped, "error", err)
		return LineEvent{}, false
	}

	idx := len(p.steps[inst])
	p.steps[inst] = append(p.steps[inst], step)
	p.lines[inst] = append(p.lines[inst], stripped)

	return LineEvent{
		Instrument: inst,
		StepIndex:  idx,
		Step:       step,
		Line:       stripped,
	}, true
}

// parseNoteEntry decodes one step body: "." or empty for Rest, "^" for Tie,
// otherwise a comma-separated list of PITCH:VELOCITY entries. Trailing
// ".,;" junk is tolerated, mirroring the LLM's common formatting slips.
func parseNoteEntry(body string) (Step, error) {
	body = strings.TrimSpace(body)
	body = strings.TrimRight(body, ".,;")
	body = strings.TrimSpace(body)

	if body == "" || body == "." {
		return RestStep(), nil
	}
	if body == "^" {
		return TieStep(), nil
	}

	var events []note.Event
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		pitchStr, velocityStr, ok := strings.Cut(part, ":")
		if !ok {
			return Step{}, fmt.Errorf("%w: missing ':' in %q", ErrMalformedStep, part)
		}

		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, velocityStr)
		if digits == "" {
			return Step{}, fmt.Errorf("%w: no velocity digits in %q", ErrMalformedStep, part)
		}
		velocity, err := strconv.Atoi(digits)
		if err != nil {
			return Step{}, fmt.Errorf("%w: %q", ErrMalformedStep, part)
		}

		pitch, err := note.ToMIDI(strings.TrimSpace(pitchStr))
		if err != nil {
			return Step{}, err
		}

		events = append(events, note.NewEvent(pitch, velocity))
	}

	if len(events) == 0 {
		return RestStep(), nil
	}
	return NotesStep(events), nil
}

// Tracks assembles the parsed steps into final Track values, one per
// instrument that produced at least one step. Call after Finalize.
func (p *Parser) Tracks() []Track {
	tracks := make([]Track, 0, len(p.steps))
	for _, inst := range config.Instruments {
		s := p.steps[inst]
		if len(s) == 0 {
			continue
		}
		tracks = append(tracks, Track{Instrument: inst, Steps: s})
	}
	return tracks
}

// Lines returns the accumulated, trimmed, number-stripped raw lines for an
// instrument, in emission order, for round-trip archival.
func (p *Parser) Lines(inst config.Instrument) []string {
	return p.lines[inst]
}
