// Package llm implements extraction strategies on top of langchaingo chat
// models (OpenAI-compatible, Anthropic, Ollama and Bedrock).
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/JakeFAU/portfolio-monitor/internal/extract"
)

// Kind selects the langchaingo backend.
type Kind string

// Supported backends.
const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindOllama    Kind = "ollama"
	KindBedrock   Kind = "bedrock"
)

// ErrMissingCredential means the strategy has no API key and will be skipped.
var ErrMissingCredential = errors.New("missing api key")

// Config describes one strategy in the chain.
type Config struct {
	// Name labels the strategy in usage records; defaults to Kind.
	Name        string
	Kind        Kind
	Model       string
	APIKey      string
	BaseURL     string
	Region      string
	MaxTokens   int
	Temperature float64
}

// Strategy implements extract.Strategy with a lazily built model.
type Strategy struct {
	cfg     Config
	factory func(ctx context.Context, cfg Config) (llms.Model, error)

	mu    sync.Mutex
	model llms.Model
}

// New validates cfg and returns a Strategy. The model client is built on the
// first call so missing optional providers cost nothing.
func New(cfg Config) (*Strategy, error) {
	switch cfg.Kind {
	case KindOpenAI, KindAnthropic, KindOllama, KindBedrock:
	default:
		return nil, fmt.Errorf("unsupported extraction provider %q", cfg.Kind)
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Kind)
	}
	return &Strategy{cfg: cfg, factory: newModel}, nil
}

// NewWithModel wraps an existing model, mainly for tests.
func NewWithModel(name string, model llms.Model) *Strategy {
	return &Strategy{
		cfg:     Config{Name: name, Kind: KindOpenAI, APIKey: "injected"},
		factory: func(context.Context, Config) (llms.Model, error) { return model, nil },
	}
}

// Name implements extract.Strategy.
func (s *Strategy) Name() string {
	return s.cfg.Name
}

// Available implements extract.Strategy. Hosted providers need an API key;
// Ollama and Bedrock rely on ambient configuration.
func (s *Strategy) Available() error {
	switch s.cfg.Kind {
	case KindOpenAI, KindAnthropic:
		if strings.TrimSpace(s.cfg.APIKey) == "" {
			return fmt.Errorf("%s: %w", s.cfg.Kind, ErrMissingCredential)
		}
	case KindOllama:
		if s.cfg.Model == "" {
			return errors.New("ollama: model not set")
		}
	case KindBedrock:
		if s.cfg.Model == "" {
			return errors.New("bedrock: model not set")
		}
	}
	return nil
}

// Extract implements extract.Strategy.
func (s *Strategy) Extract(ctx context.Context, contextName, text string) ([]string, error) {
	model, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, extract.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, extract.UserPrompt(contextName, text)),
	}
	opts := []llms.CallOption{llms.WithTemperature(s.cfg.Temperature)}
	if s.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(s.cfg.MaxTokens))
	}

	resp, err := model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("no response choices")
	}

	parsed := extract.Parse(resp.Choices[0].Content)
	if !parsed.OK() {
		return nil, parsed.Err
	}
	return parsed.Names, nil
}

// client returns the model, building it on first use. A failed build is not
// remembered, so the next extraction tries again.
func (s *Strategy) client(ctx context.Context) (llms.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		return s.model, nil
	}
	model, err := s.factory(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s model: %w", s.cfg.Name, err)
	}
	s.model = model
	return model, nil
}

func newModel(ctx context.Context, cfg Config) (llms.Model, error) {
	switch cfg.Kind {
	case KindOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil

	case KindAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return model, nil

	case KindOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil

	case KindBedrock:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		model, err := bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}
		return model, nil
	}
	return nil, fmt.Errorf("unsupported extraction provider %q", cfg.Kind)
}
