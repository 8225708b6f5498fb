package custseg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "CUSTSEG_OPENAI_API_KEY", "CUSTSEG_K", "CUSTSEG_TIMEOUT", "CUSTSEG_SAMPLING_TEMPERATURE",
		"CUSTSEG_PROVIDER", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_API_KEY", "AZURE_OPENAI_DEPLOYMENT",
		"CUSTSEG_AZURE_ENDPOINT", "CUSTSEG_AZURE_API_KEY", "CUSTSEG_AZURE_DEPLOYMENT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.K)
	assert.Equal(t, DefaultClusterOptions(), cfg.ClusterOptions())
	assert.Equal(t, DefaultSampling(), cfg.Sampling)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, DefaultSummarizerOptions(), cfg.SummarizerOptions())
	assert.Equal(t, StoreConfig{Driver: DriverSQLite, DSN: "custseg.db"}, cfg.Store)
	assert.Empty(t, cfg.OpenAI.APIKey)
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, DefaultAzureAPIVersion, cfg.Azure.APIVersion)
}

func TestConfigGenerator(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	_, err = cfg.Generator()
	assert.ErrorIs(t, err, ErrConfiguration, "no API key configured")

	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	gen, err := cfg.Generator()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", gen.(*OpenAIGenerator).model)

	t.Setenv("CUSTSEG_PROVIDER", ProviderAzure)
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_API_KEY", "azure-key")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "segments-gpt")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "azure-key", cfg.Azure.APIKey)
	gen, err = cfg.Generator()
	require.NoError(t, err)
	assert.Equal(t, "segments-gpt", gen.(*OpenAIGenerator).model)

	t.Setenv("CUSTSEG_PROVIDER", "anthropic")
	_, err = LoadConfig("")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadConfigPrecedence(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "custseg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
k: 5
timeout: PT45S
structured: true
sampling:
  temperature: 0.2
openai:
  model: gpt-4o
store:
  driver: postgres
  dsn: postgres://localhost/custseg
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.K)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.True(t, cfg.Structured)
	assert.Equal(t, 0.2, cfg.Sampling.Temperature)
	assert.Equal(t, 600, cfg.Sampling.MaxTokens)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)

	t.Setenv("CUSTSEG_K", "6")
	t.Setenv("CUSTSEG_TIMEOUT", "90s")
	t.Setenv("CUSTSEG_SAMPLING_TEMPERATURE", "0.9")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.K)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, 0.9, cfg.Sampling.Temperature)
	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey)

	t.Setenv("CUSTSEG_OPENAI_API_KEY", "sk-prefixed")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-prefixed", cfg.OpenAI.APIKey)
}

func TestLoadConfigInvalid(t *testing.T) {
	clearConfigEnv(t)

	t.Setenv("CUSTSEG_K", "11")
	_, err := LoadConfig("")
	assert.ErrorIs(t, err, ErrInvalidClusterCount)

	t.Setenv("CUSTSEG_K", "3")
	t.Setenv("CUSTSEG_TIMEOUT", "soon")
	_, err = LoadConfig("")
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"PT45S":   45 * time.Second,
		"pt1m30s": 90 * time.Second,
		"PT2H":    2 * time.Hour,
		"1m30s":   90 * time.Second,
		"250ms":   250 * time.Millisecond,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDuration("P1X")
	assert.Error(t, err)
}
