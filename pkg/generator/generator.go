// Package generator drives the continuous generation loop: one streamed
// chat completion per instrument per section, fed straight into the
// tracker parser and from there into the playback backend, with the
// finished section folded into the context buffer before the next begins.
package generator

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/llmclient"
	"github.com/simpolism/infinite-jazz/pkg/playback"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

// defaultMaxAttempts bounds the per-instrument retry loop, mirroring
// _generate_instrument_output's attempts=3.
const defaultMaxAttempts = 3

// defaultMaxLookaheadSections mirrors ContinuousGenerator's buffer_size=2:
// the loop will not start generating a section that would push the
// backend's queued lead more than this many section-lengths ahead of
// real playback.
const defaultMaxLookaheadSections = 2

// lookaheadPollInterval mirrors runtime.py's run() loop's
// time.sleep(0.5) poll while ahead_by >= max_ahead.
const lookaheadPollInterval = 500 * time.Millisecond

// Result is the outcome of a Run call. Aborted is true when the caller's
// context was cancelled; this is a status, not an error — cancellation is
// the documented way to stop the loop, not a failure.
type Result struct {
	Aborted bool
}

// ChatStreamer is the slice of llmclient.Client the loop depends on, so
// tests can substitute a fake transport without spinning up a real server.
type ChatStreamer interface {
	StreamChatCompletion(ctx context.Context, req llmclient.Request) (<-chan llmclient.Delta, error)
}

// Loop orchestrates a ChatStreamer, tracker.Parser and playback.Backend
// for a running session: build a prompt, stream a completion, parse and
// dispatch the instrument's lines once its stream completes, repeat per
// instrument, fold the finished section into the context buffer, repeat
// per section.
type Loop struct {
	LLM         ChatStreamer
	Backend     playback.Backend
	Config      config.Config
	Model       string
	Direction   string
	MaxAttempts int

	// MaxLookaheadSections caps how many section-lengths of lead the
	// backend is allowed to queue before the loop pauses generation, so a
	// fast LLM endpoint can't run arbitrarily far ahead of playback.
	// Zero means defaultMaxLookaheadSections.
	MaxLookaheadSections int

	// OnSectionComplete, if set, is called synchronously after each
	// section's lines have been dispatched to the backend and folded into
	// the context buffer, so a caller can archive the finished section
	// without delaying the next one's prompts. lines holds each
	// instrument's raw, number-stripped tracker text in emission order.
	OnSectionComplete func(sectionIndex int, tracks []tracker.Track, lines map[config.Instrument][]string)

	prompt       *PromptBuilder
	buffer       *tracker.ContextBuffer
	log          *slog.Logger
	sectionIndex int

	// sleep waits out one poll interval or ctx cancellation, whichever
	// comes first. Overridable in tests so the lookahead gate doesn't
	// actually block for real time.
	sleep func(ctx context.Context, d time.Duration)
}

// NewLoop constructs a Loop. log defaults to slog.Default() if nil.
func NewLoop(llm ChatStreamer, backend playback.Backend, cfg config.Config, model, direction string, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		LLM:                  llm,
		Backend:              backend,
		Config:               cfg,
		Model:                model,
		Direction:            direction,
		MaxAttempts:          defaultMaxAttempts,
		MaxLookaheadSections: defaultMaxLookaheadSections,
		prompt:               NewPromptBuilder(cfg),
		buffer:               tracker.NewContextBuffer(),
		log:                  log,
		sleep:                realSleep,
	}
}

func realSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Run repeats generateSection until ctx is cancelled (Aborted result) or a
// transport failure occurs (non-nil error, loop exits). Before each
// section it waits out waitForLookahead, so generation can't queue
// arbitrarily far ahead of what the backend has actually scheduled.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	for {
		if ctx.Err() != nil {
			return Result{Aborted: true}, nil
		}
		l.waitForLookahead(ctx)
		if ctx.Err() != nil {
			return Result{Aborted: true}, nil
		}
		if err := l.generateSection(ctx); err != nil {
			if ctx.Err() != nil {
				l.Backend.StopAll()
				return Result{Aborted: true}, nil
			}
			return Result{}, err
		}
	}
}

// waitForLookahead blocks, polling every lookaheadPollInterval, while the
// backend's queued lead (Backend.LeadSeconds) is at or beyond
// MaxLookaheadSections section-lengths — mirroring runtime.py's
// ahead_by >= max_ahead pacing. A backend that hasn't been prepared yet
// (SectionDuration of zero) is treated as unthrottled.
func (l *Loop) waitForLookahead(ctx context.Context) {
	maxSections := l.MaxLookaheadSections
	if maxSections <= 0 {
		maxSections = defaultMaxLookaheadSections
	}

	for {
		if ctx.Err() != nil {
			return
		}
		duration := l.Backend.SectionDuration()
		if duration <= 0 {
			return
		}
		maxAhead := float64(maxSections) * duration
		leadSeconds := l.Backend.LeadSeconds()
		if leadSeconds < maxAhead {
			return
		}
		l.log.Debug("generator: throttling ahead of playback", "leadSeconds", leadSeconds, "maxAhead", maxAhead)
		l.sleep(ctx, lookaheadPollInterval)
	}
}

// generateSection runs one full bass→drums→piano→sax chorus: each
// instrument's validated output is parsed and dispatched to the backend
// as soon as that instrument's stream completes, then the whole section's
// lines are folded into the context buffer for the next chorus's prompt.
func (l *Loop) generateSection(ctx context.Context) error {
	previousContext := l.buffer.BuildPromptChunk()
	parser := tracker.NewParser(l.Config, l.log)
	generated := make(map[config.Instrument]string, len(instrumentOrder))

	for _, inst := range instrumentOrder {
		text, err := l.generateInstrument(ctx, inst, previousContext, generated)
		if err != nil {
			return err
		}
		generated[inst] = text

		chunk := string(inst) + "\n" + text + "\n"
		l.dispatch(parser.AppendChunk(chunk))
	}
	l.dispatch(parser.Finalize())

	lines := make(map[config.Instrument][]string, len(config.Instruments))
	for _, inst := range config.Instruments {
		lines[inst] = parser.Lines(inst)
		l.buffer.Incorporate(inst, lines[inst])
	}

	if l.OnSectionComplete != nil {
		l.OnSectionComplete(l.sectionIndex, parser.Tracks(), lines)
	}
	l.sectionIndex++
	return nil
}

func (l *Loop) dispatch(events []tracker.LineEvent) {
	for _, ev := range events {
		l.Backend.EnqueueStep(ev.Instrument, ev.StepIndex, ev.Step)
	}
}

// generateInstrument streams inst's part, retrying with a temperature bump
// on the final attempt when the output is blank or entirely rests, and
// falling back to a full-rests line set once attempts are exhausted —
// grounded on _generate_instrument_output's retry strategy. The returned
// text is validated against a throwaway parser before being handed back,
// so a rejected attempt never reaches the real section parser or the
// backend.
func (l *Loop) generateInstrument(ctx context.Context, inst config.Instrument, previousContext string, generated map[config.Instrument]string) (string, error) {
	prompt := l.prompt.Build(inst, generated, previousContext, l.Direction)
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		raw, err := l.streamOnce(ctx, inst, prompt, attempt, maxAttempts)
		if err != nil {
			return "", err
		}

		cleaned := cleanOutput(raw, inst)
		if cleaned == "" {
			l.log.Warn("generator: blank output, retrying", "instrument", inst, "attempt", attempt)
			continue
		}
		if hasMeaningfulContent(l.Config, l.log, inst, cleaned) {
			return cleaned, nil
		}
		l.log.Warn("generator: output was all rests, retrying", "instrument", inst, "attempt", attempt)
	}

	l.log.Warn("generator: exhausted retries, falling back to rests", "instrument", inst, "attempts", maxAttempts)
	return restLines(l.Config.TotalSteps()), nil
}

// streamOnce opens one streaming chat completion and accumulates its full
// content. A non-nil error always means either ctx was cancelled or the
// transport failed; callers should not retry on it themselves.
func (l *Loop) streamOnce(ctx context.Context, inst config.Instrument, prompt string, attempt, maxAttempts int) (string, error) {
	sampling := retryConfig(inst, attempt, maxAttempts)
	req := llmclient.Request{
		Model:       l.Model,
		Messages:    []llmclient.Message{{Role: "system", Content: prompt}},
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
		Stop:        sampling.Stop,
	}

	ch, err := l.LLM.StreamChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	var raw strings.Builder
	for d := range ch {
		if d.Err != nil {
			return "", d.Err
		}
		raw.WriteString(d.Content)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return raw.String(), nil
}

var codeFence = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$")

// cleanOutput strips markdown code fences and an echoed instrument header
// line, mirroring _clean_output.
func cleanOutput(raw string, inst config.Instrument) string {
	text := codeFence.ReplaceAllString(raw, "")
	text = strings.TrimSpace(text)

	if first, rest, ok := strings.Cut(text, "\n"); ok {
		if strings.TrimSpace(first) == string(inst) {
			text = strings.TrimSpace(rest)
		}
	} else if strings.TrimSpace(text) == string(inst) {
		text = ""
	}

	return strings.TrimSpace(text)
}

// hasMeaningfulContent parses text through a disposable Parser (so a
// rejected attempt never touches the real section parser's step counters
// or emits to the backend) and reports whether at least one step is not a
// rest, mirroring _has_meaningful_content.
func hasMeaningfulContent(cfg config.Config, log *slog.Logger, inst config.Instrument, text string) bool {
	trial := tracker.NewParser(cfg, log)
	events := trial.AppendChunk(string(inst) + "\n" + text + "\n")
	events = append(events, trial.Finalize()...)
	for _, ev := range events {
		if !ev.Step.IsRest {
			return true
		}
	}
	return false
}

// restLines renders n rest lines, the fallback body used once an
// instrument's retries are exhausted.
func restLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "."
	}
	return strings.Join(lines, "\n")
}
