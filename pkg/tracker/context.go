package tracker

import (
	"fmt"
	"strings"

	"github.com/simpolism/infinite-jazz/pkg/config"
)

// contextBufferSize is the default ring-buffer depth per instrument (N=32
// lines), per spec section 3.
const contextBufferSize = 32

// ContextBuffer keeps, per instrument, the last N tracker lines produced so
// a new generation's prompt can be seeded with recent history without
// growing unboundedly across a long-running session.
type ContextBuffer struct {
	size    int
	lines   map[config.Instrument][]string
	trimmed map[config.Instrument]bool
}

// NewContextBuffer constructs a ContextBuffer with the default ring depth.
func NewContextBuffer() *ContextBuffer {
	return NewContextBufferSize(contextBufferSize)
}

// NewContextBufferSize constructs a ContextBuffer with an explicit depth,
// mainly for tests exercising the trimmed-flag boundary.
func NewContextBufferSize(size int) *ContextBuffer {
	return &ContextBuffer{
		size:    size,
		lines:   make(map[config.Instrument][]string, len(config.Instruments)),
		trimmed: make(map[config.Instrument]bool, len(config.Instruments)),
	}
}

// Incorporate appends a completed section's lines for an instrument, evicting
// the oldest lines once the buffer exceeds its configured depth and setting
// the trimmed flag permanently once that first happens.
func (c *ContextBuffer) Incorporate(inst config.Instrument, lines []string) {
	existing := append(c.lines[inst], lines...)
	if len(existing) > c.size {
		existing = existing[len(existing)-c.size:]
		c.trimmed[inst] = true
	}
	c.lines[inst] = existing
}

// BuildPromptChunk renders the retained history for every instrument as the
// text block a new generation's prompt is seeded with. Instruments with no
// retained lines are omitted.
func (c *ContextBuffer) BuildPromptChunk() string {
	var b strings.Builder
	for _, inst := range config.Instruments {
		lines := c.lines[inst]
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s\n", inst)
		if c.trimmed[inst] {
			b.WriteString("... (earlier lines trimmed)\n")
		}
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Trimmed reports whether an instrument's history has ever exceeded the
// buffer's depth.
func (c *ContextBuffer) Trimmed(inst config.Instrument) bool {
	return c.trimmed[inst]
}

// Reset clears all retained history and trimmed flags, for starting a fresh
// session.
func (c *ContextBuffer) Reset() {
	c.lines = make(map[config.Instrument][]string, len(config.Instruments))
	c.trimmed = make(map[config.Instrument]bool, len(config.Instruments))
}
