package custseg

import (
	"fmt"
	"strings"
	"time"

	"github.com/sosodev/duration"
	"github.com/spf13/viper"
)

// Config holds the settings of a segmentation run.
type Config struct {
	Input     string `mapstructure:"input"`
	OutputDir string `mapstructure:"output_dir"`
	K         int    `mapstructure:"k"`

	Seed          int64 `mapstructure:"seed"`
	MaxIterations int   `mapstructure:"max_iterations"`
	Restarts      int   `mapstructure:"restarts"`
	StrictScaling bool  `mapstructure:"strict_scaling"`

	// Provider selects the text generation backend: "openai" or "azure".
	Provider       string            `mapstructure:"provider"`
	OpenAI         OpenAIConfig      `mapstructure:"openai"`
	Azure          AzureOpenAIConfig `mapstructure:"azure"`
	Sampling       SamplingConfig    `mapstructure:"sampling"`
	MaxConcurrency int               `mapstructure:"max_concurrency"`
	MaxRetries     int               `mapstructure:"max_retries"`
	Structured     bool              `mapstructure:"structured"`
	// Timeout and RetryBaseDelay accept ISO 8601 ("PT45S") or Go ("45s") syntax.
	Timeout        time.Duration `mapstructure:"-"`
	RetryBaseDelay time.Duration `mapstructure:"-"`

	Store StoreConfig `mapstructure:"store"`
}

// Text generation providers.
const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
)

// LoadConfig reads defaults, the optional YAML file at cfgFile and
// CUSTSEG_* environment variables, later sources winning. OPENAI_API_KEY and
// the AZURE_OPENAI_* variables are honored when the prefixed ones are not set.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CUSTSEG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	clusterDefaults := DefaultClusterOptions()
	summarizerDefaults := DefaultSummarizerOptions()
	v.SetDefault("input", "customers.csv")
	v.SetDefault("output_dir", "output")
	v.SetDefault("k", 4)
	v.SetDefault("seed", clusterDefaults.Seed)
	v.SetDefault("max_iterations", clusterDefaults.MaxIterations)
	v.SetDefault("restarts", clusterDefaults.Restarts)
	v.SetDefault("strict_scaling", false)
	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("azure.endpoint", "")
	v.SetDefault("azure.api_key", "")
	v.SetDefault("azure.deployment", "")
	v.SetDefault("azure.api_version", DefaultAzureAPIVersion)
	v.SetDefault("sampling.temperature", summarizerDefaults.Sampling.Temperature)
	v.SetDefault("sampling.top_p", summarizerDefaults.Sampling.TopP)
	v.SetDefault("sampling.max_tokens", summarizerDefaults.Sampling.MaxTokens)
	v.SetDefault("max_concurrency", summarizerDefaults.MaxConcurrency)
	v.SetDefault("max_retries", summarizerDefaults.MaxRetries)
	v.SetDefault("structured", false)
	v.SetDefault("timeout", summarizerDefaults.Timeout.String())
	v.SetDefault("retry_base_delay", summarizerDefaults.RetryBaseDelay.String())
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "custseg.db")
	for key, envs := range map[string][]string{
		"openai.api_key":   {"CUSTSEG_OPENAI_API_KEY", "OPENAI_API_KEY"},
		"azure.endpoint":   {"CUSTSEG_AZURE_ENDPOINT", "AZURE_OPENAI_ENDPOINT"},
		"azure.api_key":    {"CUSTSEG_AZURE_API_KEY", "AZURE_OPENAI_API_KEY"},
		"azure.deployment": {"CUSTSEG_AZURE_DEPLOYMENT", "AZURE_OPENAI_DEPLOYMENT"},
	} {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config %s: %v", ErrConfiguration, cfgFile, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrConfiguration, err)
	}
	var err error
	if c.Timeout, err = ParseDuration(v.GetString("timeout")); err != nil {
		return nil, fmt.Errorf("%w: timeout: %v", ErrConfiguration, err)
	}
	if c.RetryBaseDelay, err = ParseDuration(v.GetString("retry_base_delay")); err != nil {
		return nil, fmt.Errorf("%w: retry_base_delay: %v", ErrConfiguration, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ranges that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.K < MinClusters || c.K > MaxClusters {
		return fmt.Errorf("%w: k=%d, must be within [%d, %d]", ErrInvalidClusterCount, c.K, MinClusters, MaxClusters)
	}
	if c.Provider != ProviderOpenAI && c.Provider != ProviderAzure {
		return fmt.Errorf("%w: unknown provider %q", ErrConfiguration, c.Provider)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max_concurrency must be positive", ErrConfiguration)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrConfiguration)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrConfiguration)
	}
	return nil
}

// ParseDuration accepts ISO 8601 durations ("PT1M30S") and Go durations ("90s").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToUpper(s), "P") {
		d, err := duration.Parse(strings.ToUpper(s))
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", s, err)
		}
		return d.ToTimeDuration(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Generator returns the configured text generation backend. It fails with
// ErrConfiguration when the provider's credentials are missing.
func (c *Config) Generator() (Generator, error) {
	var (
		g   *OpenAIGenerator
		err error
	)
	if c.Provider == ProviderAzure {
		g, err = NewAzureOpenAIGenerator(c.Azure)
	} else {
		g, err = NewOpenAIGenerator(c.OpenAI)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ClusterOptions returns the k-means settings.
func (c *Config) ClusterOptions() ClusterOptions {
	return ClusterOptions{Seed: c.Seed, MaxIterations: c.MaxIterations, Restarts: c.Restarts}
}

// ScalerOptions returns the scaling settings.
func (c *Config) ScalerOptions() ScalerOptions {
	return ScalerOptions{Strict: c.StrictScaling}
}

// SummarizerOptions returns the insight generation settings.
func (c *Config) SummarizerOptions() SummarizerOptions {
	return SummarizerOptions{
		Sampling:       c.Sampling,
		MaxConcurrency: c.MaxConcurrency,
		Timeout:        c.Timeout,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay,
		Structured:     c.Structured,
	}
}
