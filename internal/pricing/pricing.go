// Package pricing estimates LLM call cost from a yaml model table.
package pricing

import (
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	pmetrics "github.com/maestro-rag/maestro/internal/metrics"
)

// config structure for the pricing section in config/models.yaml
type config struct {
	Pricing struct {
		Defaults struct {
			InputPer1K  float64 `yaml:"input_per_1k"`
			OutputPer1K float64 `yaml:"output_per_1k"`
		} `yaml:"defaults"`
		Models map[string]struct {
			InputPer1K  float64 `yaml:"input_per_1k"`
			OutputPer1K float64 `yaml:"output_per_1k"`
		} `yaml:"models"`
	} `yaml:"pricing"`
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"config/models.yaml",
	"../../config/models.yaml",
}

func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: Failed to unmarshal pricing config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		break
	}
	loaded = &cfg
	initialized = true
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// Reload forces a re-read of pricing configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// CostUSD estimates the dollar cost for a call with the given prompt
// and completion token counts. Unknown models use defaults and record
// a fallback metric.
func CostUSD(model string, promptTokens, completionTokens int) float64 {
	cfg := get()

	in := cfg.Pricing.Defaults.InputPer1K
	out := cfg.Pricing.Defaults.OutputPer1K
	if m, ok := cfg.Pricing.Models[model]; ok {
		if m.InputPer1K > 0 {
			in = m.InputPer1K
		}
		if m.OutputPer1K > 0 {
			out = m.OutputPer1K
		}
	} else if model != "" {
		pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
	}
	if in == 0 && out == 0 {
		// gpt-4o-mini-ish floor so cost is never silently zero
		in, out = 0.00015, 0.0006
		pmetrics.PricingFallbacks.WithLabelValues("missing_defaults").Inc()
	}
	return float64(promptTokens)/1000.0*in + float64(completionTokens)/1000.0*out
}
