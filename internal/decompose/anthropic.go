package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"panopticon/internal/domain"
)

// ClientConfig selects how the Anthropic client authenticates.
type ClientConfig struct {
	Model     string
	MaxTokens int64
	// APIKey falls back to ANTHROPIC_API_KEY.
	APIKey     string
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	Logger     *slog.Logger
}

type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic asks a Claude model for the task breakdown.
type Anthropic struct {
	messages  messageCreator
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger
}

func NewAnthropic(ctx context.Context, cfg ClientConfig) (*Anthropic, error) {
	var opts []option.RequestOption
	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}
	return newAnthropic(&client.Messages, model, cfg.MaxTokens, cfg.Logger), nil
}

func newAnthropic(messages messageCreator, model anthropic.Model, maxTokens int64, logger *slog.Logger) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{messages: messages, model: model, maxTokens: maxTokens, logger: logger.With("component", "decomposer")}
}

// bedrockModel maps API model names onto Bedrock cross-region inference profiles.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

func (a *Anthropic) Decompose(ctx context.Context, prompt string, targetCount int) ([]string, error) {
	if targetCount < 1 {
		targetCount = 1
	}
	text, err := a.complete(ctx, fmt.Sprintf(decomposeSystemPrompt, targetCount), strings.TrimSpace(prompt))
	if err != nil {
		return nil, err
	}
	return Parse(text)
}

func (a *Anthropic) Refine(ctx context.Context, prompt string, currentTasks []string, instruction string) ([]string, error) {
	text, err := a.complete(ctx, refineSystemPrompt, refineUserPrompt(prompt, currentTasks, instruction))
	if err != nil {
		return nil, err
	}
	return Parse(text)
}

func (a *Anthropic) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		a.logger.Error("model call failed", "model", string(a.model), "err", err)
		return "", fmt.Errorf("model call: %v: %w", err, domain.ErrDecomposition)
	}
	a.logger.Debug("model call done", "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}
