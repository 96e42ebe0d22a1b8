// Package cli parses the infinite-jazz command line: tempo, swing, the
// LLM endpoint, the playback backend preference, and the session archive
// path.
package cli

import (
	"flag"
	"fmt"
	"os"
)

// Config holds the settings parsed from the command line, with
// environment-variable fallbacks for the three LLM endpoint fields.
type Config struct {
	Tempo      float64
	Bars       int
	Swing      bool
	SwingRatio float64
	BaseURL    string
	Model      string
	APIKey     string
	Direction  string
	Backend    string // "soundfont" or "midi"
	Soundfont  string
	Out        string // session archive directory; "" disables archiving
	LogLevel   string
	ShowHelp   bool
}

// ParseArgs parses the command line into a Config, applying environment
// variable fallbacks for base URL, model and API key (flags take
// precedence) and validating every numeric and enum field.
func ParseArgs(args []string) (*Config, error) {
	reordered := reorderArgs(args)

	fs := flag.NewFlagSet("infinite-jazz", flag.ContinueOnError)
	cfg := &Config{}

	fs.Float64Var(&cfg.Tempo, "tempo", 120, "tempo in BPM")
	fs.IntVar(&cfg.Bars, "bars", 2, "bars per generation")
	fs.BoolVar(&cfg.Swing, "swing", true, "enable swing feel")
	fs.Float64Var(&cfg.SwingRatio, "swing-ratio", 0.67, "swing ratio, 0-1")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "OpenAI-compatible base URL (env IJ_BASE_URL)")
	fs.StringVar(&cfg.Model, "model", "", "model name (env IJ_MODEL)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "bearer token for the LLM endpoint (env IJ_API_KEY)")
	fs.StringVar(&cfg.Direction, "direction", "", "free-text direction for the bandleader to follow")
	fs.StringVar(&cfg.Backend, "backend", "soundfont", "preferred playback backend: soundfont or midi")
	fs.StringVar(&cfg.Soundfont, "soundfont", "", "path to a .sf2 soundfont file")
	fs.StringVar(&cfg.Out, "out", "", "directory to archive each finished section's .mid and .txt into")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "show this help")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "show this help (shorthand)")

	if err := fs.Parse(reordered); err != nil {
		return nil, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = envOr("IJ_BASE_URL", "http://localhost:11434")
	}
	if cfg.Model == "" {
		cfg.Model = envOr("IJ_MODEL", "qwen2.5:3b")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("IJ_API_KEY")
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func validate(cfg *Config) error {
	if cfg.Tempo <= 0 {
		return fmt.Errorf("tempo must be positive, got %v", cfg.Tempo)
	}
	if cfg.Bars <= 0 {
		return fmt.Errorf("bars must be positive, got %d", cfg.Bars)
	}
	if cfg.SwingRatio < 0 || cfg.SwingRatio > 1 {
		return fmt.Errorf("swing-ratio must be in [0,1], got %v", cfg.SwingRatio)
	}
	switch cfg.Backend {
	case "soundfont", "midi":
	default:
		return fmt.Errorf("backend must be soundfont or midi, got %q", cfg.Backend)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}
	if cfg.Backend == "soundfont" && cfg.Soundfont == "" {
		return fmt.Errorf("-soundfont is required when -backend=soundfont")
	}
	return nil
}

// boolFlags lists every flag that takes no value, so reorderArgs doesn't
// mistake the following positional token for its argument.
var boolFlags = map[string]bool{
	"-h": true, "--h": true, "-help": true, "--help": true,
	"-swing": true, "--swing": true,
}

// reorderArgs moves every flag (and, for value-taking flags, the token
// that follows it) ahead of any positional arguments, so flag.FlagSet can
// parse a command line regardless of where flags appear in it.
func reorderArgs(args []string) []string {
	var flags, positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) == 0 || arg[0] != '-' {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		if !boolFlags[arg] && i+1 < len(args) && (len(args[i+1]) == 0 || args[i+1][0] != '-') {
			i++
			flags = append(flags, args[i])
		}
	}

	return append(flags, positional...)
}

// PrintHelp writes the command's usage text to stdout.
func PrintHelp() {
	fmt.Fprint(os.Stdout, `infinite-jazz - a four-instrument jazz quartet, generated live by an LLM

Usage:
  infinite-jazz [options]

Options:
  -tempo <bpm>          tempo in BPM (default 120)
  -bars <n>             bars per generation (default 2)
  -swing                enable swing feel (default true)
  -swing-ratio <r>      swing ratio, 0-1 (default 0.67)
  -base-url <url>       OpenAI-compatible base URL (env IJ_BASE_URL, default http://localhost:11434)
  -model <name>         model name (env IJ_MODEL, default qwen2.5:3b)
  -api-key <key>        bearer token for the LLM endpoint (env IJ_API_KEY)
  -direction <text>     free-text direction for the bandleader to follow
  -backend <name>       preferred playback backend: soundfont or midi (default soundfont)
  -soundfont <path>     path to a .sf2 soundfont file (required for -backend=soundfont)
  -out <dir>            archive each finished section's .mid and .txt into this directory
  -log-level <level>    log level: debug, info, warn, error (default info)
  -h, --help            show this help

Environment Variables:
  IJ_BASE_URL           OpenAI-compatible base URL
  IJ_MODEL              model name
  IJ_API_KEY            bearer token for the LLM endpoint

Stop a running session with Ctrl-C (SIGINT); the section being generated
is abandoned and all scheduled notes are stopped before the process exits.
`)
}
