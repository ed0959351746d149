package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Generator.OpenAIAPIKey = "sk-test"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "emr_chunks", cfg.Qdrant.Collection)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 6000, cfg.Pipeline.TimeoutMS)
	assert.Equal(t, 5, cfg.Session.WindowTurns)
	assert.Equal(t, 1_800_000, cfg.Session.ExpiryMS)
	assert.InDelta(t, 0.0, cfg.Generator.ExtractionTemp, 1e-9)
	assert.InDelta(t, 0.3, cfg.Generator.SummarizationTemp, 1e-9)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_RequiresGeneratorBackend(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no generator backend configured")
}

func TestValidate_RejectsTwoBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Generator.OllamaBaseURL = "http://localhost:11434"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only one generator backend")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"empty qdrant host", func(c *Config) { c.Qdrant.Host = "" }},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"zero pipeline timeout", func(c *Config) { c.Pipeline.TimeoutMS = 0 }},
		{"zero retrieval k", func(c *Config) { c.Retrieval.K = 0 }},
		{"alpha above one", func(c *Config) { c.Retrieval.HybridAlpha = 1.5 }},
		{"zero window turns", func(c *Config) { c.Session.WindowTurns = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBackendSelection(t *testing.T) {
	var g GeneratorConfig
	assert.Empty(t, g.Backend())

	g.OllamaBaseURL = "http://localhost:11434"
	assert.Equal(t, BackendOllama, g.Backend())

	g.OpenAIAPIKey = "sk-test"
	assert.Equal(t, BackendOpenAI, g.Backend(), "openai wins when both are set")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("PIPELINE_TIMEOUT_MS", "2500")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 2500, cfg.Pipeline.TimeoutMS)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "6s", cfg.Pipeline.Timeout().String())
	assert.Equal(t, "30m0s", cfg.Session.Expiry().String())
	assert.Equal(t, "1m0s", cfg.RateLimit.Window().String())
}
