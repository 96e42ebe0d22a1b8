// Package app wires the parsed command line into a running quartet
// session: logging, the runtime configuration, the LLM client, the
// chosen playback backend, and the generation loop itself, plus the
// optional per-section archive.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/simpolism/infinite-jazz/pkg/cli"
	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/fileutil"
	"github.com/simpolism/infinite-jazz/pkg/generator"
	"github.com/simpolism/infinite-jazz/pkg/llmclient"
	"github.com/simpolism/infinite-jazz/pkg/logger"
	"github.com/simpolism/infinite-jazz/pkg/playback"
	"github.com/simpolism/infinite-jazz/pkg/smf"
	"github.com/simpolism/infinite-jazz/pkg/tracker"
)

// defaultTicksPerBeat matches the original quartet's MIDI resolution.
const defaultTicksPerBeat = 480

// Application holds the session's wiring between cmd/infinite-jazz's
// main and the library packages underneath it.
type Application struct {
	config  *cli.Config
	log     *slog.Logger
	quartet config.Config
	llm     *llmclient.Client
	backend playback.Backend
}

// New constructs an Application ready for Run.
func New() *Application {
	return &Application{}
}

// Run parses args, wires up every component, and drives the generation
// loop until the caller presses Ctrl-C or a transport error ends it.
func (app *Application) Run(args []string) error {
	if err := app.parseArgs(args); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}
	if app.config.ShowHelp {
		cli.PrintHelp()
		return nil
	}

	if err := app.initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.log.Info("infinite-jazz starting", "tempo", app.config.Tempo, "bars", app.config.Bars, "backend", app.config.Backend)

	if err := app.buildConfig(); err != nil {
		return fmt.Errorf("failed to build runtime configuration: %w", err)
	}
	app.initLLMClient()
	app.resolveSoundfontPath()

	if err := app.selectBackend(); err != nil {
		return fmt.Errorf("failed to prepare a playback backend: %w", err)
	}
	defer app.backend.Shutdown()

	loop, err := app.buildLoop()
	if err != nil {
		return fmt.Errorf("failed to configure the generation loop: %w", err)
	}

	return app.runLoop(loop)
}

func (app *Application) parseArgs(args []string) error {
	cfg, err := cli.ParseArgs(args)
	if err != nil {
		return err
	}
	app.config = cfg
	return nil
}

func (app *Application) initLogger() error {
	if err := logger.InitLogger(app.config.LogLevel); err != nil {
		return err
	}
	app.log = logger.GetLogger()
	return nil
}

// buildConfig derives the immutable config.Config from the parsed CLI
// flags, fixing the time signature at 4/4 and the GM channel/program
// maps at their defaults (neither is exposed on the command line).
func (app *Application) buildConfig() error {
	cfg, err := config.New(
		app.config.Tempo,
		app.config.Swing,
		app.config.SwingRatio,
		defaultTicksPerBeat,
		app.config.Bars,
		config.TimeSignature{Num: 4, Den: 4},
		config.DefaultChannels(),
		config.DefaultGMPrograms(),
		config.DefaultGMDrums(),
	)
	if err != nil {
		return err
	}
	app.quartet = cfg
	return nil
}

func (app *Application) initLLMClient() {
	app.llm = llmclient.New(app.config.BaseURL, app.config.APIKey, nil, app.log)
}

// resolveSoundfontPath looks up the configured soundfont case-insensitively
// within its directory, so a user-supplied path that differs only in case
// from the file on disk (e.g. across a case-sensitive filesystem) still
// resolves. Leaves the configured path untouched if it can't be resolved
// this way; selectBackend's own error handling reports the real failure.
func (app *Application) resolveSoundfontPath() {
	if app.config.Soundfont == "" {
		return
	}
	dir := filepath.Dir(app.config.Soundfont)
	name := filepath.Base(app.config.Soundfont)
	if resolved, err := fileutil.FindFileCaseInsensitive(dir, name); err == nil {
		app.config.Soundfont = resolved
	}
}

// selectBackend prepares the preferred playback sink, falling back to
// the other one and logging the degradation rather than failing.
func (app *Application) selectBackend() error {
	backend, degraded, err := playback.Select(app.config.Backend, app.quartet, app.config.Soundfont, app.log)
	if err != nil {
		return err
	}
	if degraded != nil {
		app.log.Warn("playback backend degraded", "preferred", degraded.Preferred, "used", degraded.Used, "cause", degraded.Cause)
	}
	app.backend = backend
	return nil
}

// buildLoop constructs the generation loop and, when an archive
// directory was requested, wires its OnSectionComplete hook.
func (app *Application) buildLoop() (*generator.Loop, error) {
	loop := generator.NewLoop(app.llm, app.backend, app.quartet, app.config.Model, app.config.Direction, app.log)

	if app.config.Out != "" {
		if err := fileutil.EnsureDir(app.config.Out); err != nil {
			return nil, err
		}
		loop.OnSectionComplete = app.archiveSection
	}
	return loop, nil
}

// archiveSection writes a finished section's SMF encoding and its raw
// tracker text side by side under the configured archive directory.
// Failures are logged, not propagated: a failed archive write should
// never interrupt a session that is otherwise playing fine.
func (app *Application) archiveSection(sectionIndex int, tracks []tracker.Track, lines map[config.Instrument][]string) {
	midPath, txtPath := fileutil.SectionArchivePaths(app.config.Out, sectionIndex, time.Now())

	if data, err := smf.Encode(tracks, app.quartet); err != nil {
		app.log.Error("failed to encode section to SMF", "section", sectionIndex, "error", err)
	} else if err := os.WriteFile(midPath, data, 0o644); err != nil {
		app.log.Error("failed to write section MIDI archive", "path", midPath, "error", err)
	}

	text := renderArchiveText(app.quartet, sectionIndex, lines)
	if err := os.WriteFile(txtPath, []byte(text), 0o644); err != nil {
		app.log.Error("failed to write section text archive", "path", txtPath, "error", err)
	}
}

// renderArchiveText reconstructs the section's tracker text with a
// leading comment header, per the tracker format's '#'-prefixed
// comment-line convention.
func renderArchiveText(cfg config.Config, sectionIndex int, lines map[config.Instrument][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# section %d\n", sectionIndex)
	fmt.Fprintf(&b, "# tempo=%.1f swing=%v swing_ratio=%.2f time_signature=%d/%d\n",
		cfg.Tempo, cfg.SwingEnabled, cfg.SwingRatio, cfg.TimeSignature.Num, cfg.TimeSignature.Den)

	for _, inst := range config.Instruments {
		b.WriteString(string(inst))
		b.WriteByte('\n')
		for _, line := range lines[inst] {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// runLoop drives the generation loop until SIGINT or a transport
// error. On SIGINT the section being generated is abandoned; the
// deferred Shutdown in Run then stops every scheduled note.
func (app *Application) runLoop(loop *generator.Loop) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app.log.Info("generation loop starting; press Ctrl-C to stop")
	result, err := loop.Run(ctx)
	if err != nil {
		return fmt.Errorf("generation loop failed: %w", err)
	}
	if result.Aborted {
		app.log.Info("generation loop stopped by user")
	}
	return nil
}
