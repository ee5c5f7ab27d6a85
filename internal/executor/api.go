package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/ralph-agent/internal/logging"
	"github.com/ShayCichocki/ralph-agent/pkg/models"
)

const (
	// DefaultPlanMaxTokens bounds the generated plan.
	DefaultPlanMaxTokens = 8192

	planSystemPrompt = "You are a senior engineer writing concise, actionable product requirements documents for software tasks."
)

// Failure categories reported by the API executor.
const (
	CategoryAPIError    = "api_error"
	CategoryEmptyResult = "empty_result"
)

// MessageCreator is the subset of the Anthropic messages API the plan
// executor uses.
type MessageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// APIConfig configures the Anthropic API plan executor.
type APIConfig struct {
	// Model is the Claude model to use.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock sends requests through AWS Bedrock instead.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens bounds the response.
	MaxTokens int64
	// Timeout bounds each execution.
	Timeout time.Duration
}

// PlanAPI generates plans with a single Messages API call.
type PlanAPI struct {
	messages MessageCreator
	model    anthropic.Model
	cfg      APIConfig
	log      *logging.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Verify PlanAPI implements Executor at compile time.
var _ Executor = (*PlanAPI)(nil)

// NewPlanAPI creates a plan executor backed by the Anthropic API or Bedrock.
func NewPlanAPI(cfg APIConfig, log *logging.Logger) (*PlanAPI, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	client := anthropic.NewClient(opts...)
	return NewPlanAPIWithMessages(&client.Messages, cfg, log), nil
}

// NewPlanAPIWithMessages creates a plan executor over an existing messages
// service (tests).
func NewPlanAPIWithMessages(messages MessageCreator, cfg APIConfig, log *logging.Logger) *PlanAPI {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultPlanMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}
	return &PlanAPI{
		messages: messages,
		model:    model,
		cfg:      cfg,
		log:      log.Named("executor"),
		now:      time.Now,
	}
}

// Execute generates a plan for the job.
func (p *PlanAPI) Execute(ctx context.Context, req Request, onProgress ProgressFunc) (*models.ExecutionResult, error) {
	start := p.now()

	ctx, cancelTimeout := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.setCancel(cancel)
	defer p.setCancel(nil)

	model := p.model
	if req.Settings != nil && req.Settings.Model != "" {
		model = anthropic.Model(req.Settings.Model)
		if p.cfg.UseAWSBedrock {
			model = translateModelForBedrock(model)
		}
	}

	safeProgress(onProgress, fmt.Sprintf("Generating plan with %s", model))

	resp, err := p.messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: p.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: planSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
		},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, models.NewJobError(models.ErrorKindTimeout, CategoryTimeout, fmt.Errorf("plan generation exceeded %v", p.cfg.Timeout))
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, models.NewJobError(models.ErrorKindExecution, CategoryKilled, errors.New("plan generation was cancelled"))
		}
		return nil, models.NewJobError(models.ErrorKindExecution, CategoryAPIError, fmt.Errorf("messages API: %w", err))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	plan := strings.TrimSpace(text.String())
	if plan == "" {
		return nil, models.NewJobError(models.ErrorKindExecution, CategoryEmptyResult, errors.New("model returned no text"))
	}

	p.log.Debugf("plan generated: %d input, %d output tokens", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	safeProgress(onProgress, fmt.Sprintf("Plan generated (%d tokens)", resp.Usage.OutputTokens))

	return &models.ExecutionResult{
		Output:          plan,
		Summary:         Summarize(plan),
		PRDContent:      plan,
		ExecutionTimeMs: p.now().Sub(start).Milliseconds(),
	}, nil
}

// Kill cancels the in-flight API call, if any.
func (p *PlanAPI) Kill() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *PlanAPI) setCancel(cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock inference profile format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:         "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.Model("claude-sonnet-4-5-20250929"): "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.Model("claude-haiku-4-5-20251001"):  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:         "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.Model("claude-opus-4-5-20251101"):   "us.anthropic.claude-opus-4-5-20251101-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	// Already in Bedrock format or a custom model
	return model
}
