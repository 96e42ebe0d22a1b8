package generator

import (
	"github.com/simpolism/infinite-jazz/pkg/config"
	"github.com/simpolism/infinite-jazz/pkg/llmclient"
)

// samplingConfigs holds each instrument's baseline sampling parameters,
// grounded on GenerationConfig.{BASS,DRUMS,PIANO,SAX}_CONFIG in
// original_source/llm_interface.py: bass runs tightest, sax loosest.
var samplingConfigs = map[config.Instrument]llmclient.GenerationConfig{
	config.Bass:  {Temperature: 0.70, TopP: 0.90, Stop: []string{"\n\nDRUMS", "\n\nPIANO", "\n\nSAX"}},
	config.Drums: {Temperature: 0.80, TopP: 0.90, Stop: []string{"\n\nPIANO", "\n\nSAX", "\n\nBASS"}},
	config.Piano: {Temperature: 0.75, TopP: 0.92, Stop: []string{"\n\nSAX", "\n\nBASS", "\n\nDRUMS"}},
	config.Sax:   {Temperature: 0.85, TopP: 0.95, Stop: []string{"\n\nBASS", "\n\nDRUMS", "\n\nPIANO"}},
}

// maxTemperature caps the per-attempt temperature bump in retryConfig,
// mirroring the 1.1 ceiling in _generate_instrument_output.
const maxTemperature = 1.1

// retryConfig returns the sampling config for attempt (1-based) of an
// instrument's generation: the last of maxAttempts nudges the temperature
// up by 0.1, same as the original's final-attempt bump.
func retryConfig(inst config.Instrument, attempt, maxAttempts int) llmclient.GenerationConfig {
	cfg := samplingConfigs[inst]
	if attempt == maxAttempts && attempt > 1 {
		cfg.Temperature += 0.1
		if cfg.Temperature > maxTemperature {
			cfg.Temperature = maxTemperature
		}
	}
	return cfg
}
