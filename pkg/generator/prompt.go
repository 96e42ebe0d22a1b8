package generator

import (
	"fmt"
	"strings"

	"github.com/simpolism/infinite-jazz/pkg/config"
)

// formatDescription is the shared tracker-format primer every instrument's
// system prompt is built from, grounded on get_format_description().
func formatDescription(cfg config.Config) string {
	return fmt.Sprintf(`TRACKER FORMAT:
- Generate EXACTLY %d lines, one per 16th-note step.
- Format: NOTE:VELOCITY (e.g. C4:80).
- Chords: comma-separated, e.g. C4:70,E4:65,G4:68.
- Rests: a single period (.).
- Ties: a single caret (^) to sustain the previous step's note(s).
- Velocity: 1-127, typically 60-90 for jazz.
- Note names: C, C#, D, D#, E, F, F#, G, G#, A, A#, B with an octave, e.g. C4, F#2.
- Output only the %d lines. No explanations, no markdown.`, cfg.TotalSteps(), cfg.TotalSteps())
}

var systemPrompts = map[config.Instrument]string{
	config.Bass: `You are a jazz bassist in a quartet. Provide the harmonic foundation with a walking bassline.

BASS GUIDELINES:
- Stay in a low register (roughly E1 to G2).
- Walking bass: stepwise motion connecting chord tones, with occasional leaps.
- Emphasize root notes on strong beats.
- Velocity: 75-90 for quarter-note motion, 65-80 for walking passages.`,
	config.Drums: `You are a jazz drummer in a quartet. Provide rhythm and drive with a swing feel.

DRUMS GUIDELINES:
- Use General MIDI drum keys: kick C2(36), snare D2(38), closed hi-hat F#2(42),
  open hi-hat A#2(46), crash C#3(49), ride D#3(51).
- Ride pattern on most beats, kick and snare accents, occasional hi-hat colour.
- Velocity: kick 85-100, snare 80-95, cymbals 50-70.`,
	config.Piano: `You are a jazz pianist in a quartet. Comp with chord voicings.

PIANO GUIDELINES:
- Jazz voicings: 7th chords and extensions (9ths, 11ths, 13ths), mid register.
- Syncopated, off-beat accents; leave space, don't play every step.
- Velocity: 60-80, softer than bass and drums.`,
	config.Sax: `You are a jazz saxophonist in a quartet. Play the lead melodic line.

SAX GUIDELINES:
- Single-note melodic lines (occasional two-note intervals), mid-to-high register.
- Phrase over the bar, leave space for breath between phrases.
- Velocity: 70-95, brightest voice in the quartet.`,
}

// instrumentOrder is the call-and-response sequence each section's four
// instrument calls run in, grounded on GENERATION_ORDER in
// original_source/generator.py.
var instrumentOrder = []config.Instrument{config.Bass, config.Drums, config.Piano, config.Sax}

// heardSoFar names which earlier voices in the sequence an instrument has
// already "heard" by the time it generates, matching the call-and-response
// framing in prompts.py ("You've heard the bass. Now generate drums...").
func heardSoFar(inst config.Instrument) []config.Instrument {
	var heard []config.Instrument
	for _, i := range instrumentOrder {
		if i == inst {
			break
		}
		heard = append(heard, i)
	}
	return heard
}

// PromptBuilder assembles one instrument's generation prompt from the
// static per-instrument system prompt, the tracker-format primer, the
// already-generated parts of the current section (call-and-response), the
// previous section's retained context, and free-text user direction.
type PromptBuilder struct {
	cfg config.Config
}

// NewPromptBuilder constructs a PromptBuilder for cfg's step/bar geometry.
func NewPromptBuilder(cfg config.Config) *PromptBuilder {
	return &PromptBuilder{cfg: cfg}
}

// Build assembles the prompt for inst. generatedThisSection holds the
// validated raw text already produced for earlier instruments in the
// current section's call-and-response order; previousContext is
// ContextBuffer.BuildPromptChunk()'s output; direction is free user text.
func (b *PromptBuilder) Build(inst config.Instrument, generatedThisSection map[config.Instrument]string, previousContext, direction string) string {
	var out strings.Builder

	fmt.Fprintf(&out, "%s\n\n%s\n", systemPrompts[inst], formatDescription(b.cfg))

	if heard := heardSoFar(inst); len(heard) > 0 {
		out.WriteString("\nPARTS ALREADY PLAYING THIS CHORUS:\n")
		for _, h := range heard {
			if text := generatedThisSection[h]; text != "" {
				fmt.Fprintf(&out, "%s\n%s\n\n", h, text)
			}
		}
	}

	if previousContext != "" {
		fmt.Fprintf(&out, "\nPREVIOUS CHORUS:\n%s\n", previousContext)
		out.WriteString("Avoid repeating the same patterns — vary rhythm, voicing, and phrasing this time.\n")
	}

	if direction != "" {
		fmt.Fprintf(&out, "\nDIRECTION FROM THE BANDLEADER: %s\n", direction)
	}

	fmt.Fprintf(&out, "\nGenerate the %s part now. Output only the %d lines, starting immediately.\n", inst, b.cfg.TotalSteps())
	return out.String()
}
