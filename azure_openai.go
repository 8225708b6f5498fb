package custseg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
)

// DefaultAzureAPIVersion is the Azure OpenAI REST API version used when none is configured.
const DefaultAzureAPIVersion = "2024-08-01-preview"

// maxRetryAfter caps how long a Retry-After hint may delay the next attempt.
const maxRetryAfter = 30 * time.Second

// AzureOpenAIConfig configures an Azure OpenAI deployment.
type AzureOpenAIConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	Deployment string `mapstructure:"deployment"`
	APIVersion string `mapstructure:"api_version"`
}

// NewAzureOpenAIGenerator returns a Generator that calls an Azure OpenAI
// chat deployment.
func NewAzureOpenAIGenerator(cfg AzureOpenAIConfig, opts ...option.RequestOption) (*OpenAIGenerator, error) {
	var missing []string
	if strings.TrimSpace(cfg.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "api key")
	}
	if strings.TrimSpace(cfg.Deployment) == "" {
		missing = append(missing, "deployment")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: Azure OpenAI %s not set", ErrConfiguration, strings.Join(missing, ", "))
	}
	version := cfg.APIVersion
	if version == "" {
		version = DefaultAzureAPIVersion
	}

	reqOpts := []option.RequestOption{
		azure.WithEndpoint(strings.TrimSuffix(cfg.Endpoint, "/"), version),
		azure.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	reqOpts = append(reqOpts, opts...)

	return &OpenAIGenerator{
		client: openai.NewClient(reqOpts...),
		// Azure routes by deployment name.
		model: cfg.Deployment,
	}, nil
}

// parseRetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(retryAfter string) time.Duration {
	retryAfter = strings.TrimSpace(retryAfter)
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if retryTime, err := time.Parse(time.RFC1123, retryAfter); err == nil {
		return time.Until(retryTime)
	}
	return 0
}

// retryAfterHint returns the server requested delay carried by err, capped at maxRetryAfter.
func retryAfterHint(err error) time.Duration {
	var t *transientError
	if !errors.As(err, &t) || t.retryAfter <= 0 {
		return 0
	}
	return min(t.retryAfter, maxRetryAfter)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
