package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/config"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/index"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/tokens"
)

const (
	defaultOpenAIEndpoint = "https://api.openai.com/v1"

	// StoppedOutput is the answer given when the iteration or time budget
	// runs out before the model produced a final answer.
	StoppedOutput = "Agent stopped due to iteration limit or time limit."
)

var emptyParameters = []byte(`{"type":"object","properties":{}}`)

// chatClient is the subset of *azopenai.Client the engine uses.
type chatClient interface {
	GetChatCompletions(ctx context.Context, body azopenai.ChatCompletionsOptions, options *azopenai.GetChatCompletionsOptions) (azopenai.GetChatCompletionsResponse, error)
}

// OpenAIFactory builds engines that talk to OpenAI or Azure OpenAI.
type OpenAIFactory struct {
	client  chatClient
	logger  *zap.Logger
	counter *tokens.Counter
}

// NewOpenAIFactory creates a client for cfg.Provider. The key falls back to
// OPENAI_API_KEY or AZURE_OPENAI_API_KEY when cfg.APIKey is empty.
func NewOpenAIFactory(cfg config.AgentConfig, logger *zap.Logger) (*OpenAIFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		client *azopenai.Client
		err    error
	)
	switch cfg.Provider {
	case config.ProviderAzure:
		key := firstNonEmpty(cfg.APIKey, os.Getenv("AZURE_OPENAI_API_KEY"))
		if key == "" || cfg.Endpoint == "" {
			return nil, errors.New("azure provider requires agent.endpoint and an API key")
		}
		client, err = azopenai.NewClientWithKeyCredential(cfg.Endpoint, azcore.NewKeyCredential(key), nil)
	default:
		key := firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			return nil, errors.New("openai provider requires an API key (agent.api_key or OPENAI_API_KEY)")
		}
		client, err = azopenai.NewClientForOpenAI(firstNonEmpty(cfg.Endpoint, defaultOpenAIEndpoint), azcore.NewKeyCredential(key), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("error creating OpenAI client: %w", err)
	}

	return &OpenAIFactory{client: client, logger: logger, counter: tokens.NewCounter(logger)}, nil
}

// NewEngine implements Factory.
func (f *OpenAIFactory) NewEngine(tools ToolSet, spec Spec) (Engine, error) {
	return newOpenAIEngine(f.client, tools, spec, f.logger, f.counter)
}

// OpenAIEngine runs a function-calling loop: ask the model, execute the
// tool calls it requests, feed results back, until it answers in text.
type OpenAIEngine struct {
	client  chatClient
	tools   ToolSet
	spec    Spec
	logger  *zap.Logger
	counter *tokens.Counter

	all   []Tool
	index *index.ToolIndex
}

func newOpenAIEngine(client chatClient, tools ToolSet, spec Spec, logger *zap.Logger, counter *tokens.Counter) (*OpenAIEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = tokens.NewCounter(logger)
	}

	e := &OpenAIEngine{
		client:  client,
		tools:   tools,
		spec:    spec,
		logger:  logger,
		counter: counter,
		all:     tools.Tools(),
	}

	if limit := spec.Params.MaxToolsPerRequest; limit > 0 && len(e.all) > limit {
		idx, err := index.NewToolIndex(logger)
		if err != nil {
			return nil, err
		}
		docs := make([]index.ToolDocument, len(e.all))
		for i, t := range e.all {
			docs[i] = index.ToolDocument{
				ToolName:    t.Name,
				ServerID:    t.ServerID,
				Description: t.Description,
				ParamsJSON:  string(t.Parameters),
			}
		}
		if err := idx.BatchIndex(docs); err != nil {
			_ = idx.Close()
			return nil, err
		}
		e.index = idx
		logger.Info("Tool set exceeds per-request limit, selecting by relevance",
			zap.Int("tools", len(e.all)),
			zap.Int("limit", limit))
	}

	return e, nil
}

// Close releases the relevance index, if any.
func (e *OpenAIEngine) Close() error {
	if e.index != nil {
		return e.index.Close()
	}
	return nil
}

var _ io.Closer = (*OpenAIEngine)(nil)

// Run implements Engine.
func (e *OpenAIEngine) Run(ctx context.Context, query string) (*RunResult, error) {
	params := e.spec.Params
	runCtx := ctx
	if params.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, params.MaxExecutionTime)
		defer cancel()
	}

	maxIterations := params.MaxIterations
	if maxIterations <= 0 {
		maxIterations = config.DefaultMaxIterations
	}

	messages := []azopenai.ChatRequestMessageClassification{
		&azopenai.ChatRequestSystemMessage{Content: azopenai.NewChatRequestSystemMessageContent(e.spec.SystemPrompt)},
		&azopenai.ChatRequestUserMessage{Content: azopenai.NewChatRequestUserMessageContent(query)},
	}
	transcript := []string{e.spec.SystemPrompt, query}

	opts := azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(params.Model),
		Temperature:    to.Ptr(params.Temperature),
	}
	if params.MaxTokens > 0 {
		opts.MaxTokens = to.Ptr(int32(params.MaxTokens))
	}
	if defs := toolDefinitions(e.selectTools(query)); len(defs) > 0 {
		opts.Tools = defs
	}

	result := &RunResult{}
	for i := 0; i < maxIterations; i++ {
		opts.Messages = messages

		resp, err := e.client.GetChatCompletions(runCtx, opts, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if runCtx.Err() != nil {
				result.Output = StoppedOutput
				return result, nil
			}
			return nil, fmt.Errorf("chat completion failed: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
			return nil, errors.New("no completion received from LLM")
		}
		msg := resp.Choices[0].Message
		result.Usage.Add(e.usage(resp.Usage, transcript, msg))

		if len(msg.ToolCalls) == 0 {
			if msg.Content != nil {
				result.Output = *msg.Content
			}
			return result, nil
		}

		assistant := &azopenai.ChatRequestAssistantMessage{ToolCalls: msg.ToolCalls}
		if msg.Content != nil {
			assistant.Content = azopenai.NewChatRequestAssistantMessageContent(*msg.Content)
		}
		messages = append(messages, assistant)

		for _, tc := range msg.ToolCalls {
			if tc == nil {
				continue
			}
			// Every tool call id needs a tool message or the next request
			// is rejected.
			callID := tc.GetChatCompletionsToolCall().ID
			call, ok := tc.(*azopenai.ChatCompletionsFunctionToolCall)
			if !ok || call.Function == nil || call.Function.Name == nil {
				output := "Error: unsupported tool call"
				messages = append(messages, &azopenai.ChatRequestToolMessage{
					Content:    azopenai.NewChatRequestToolMessageContent(output),
					ToolCallID: callID,
				})
				transcript = append(transcript, output)
				continue
			}
			name := *call.Function.Name
			args := ""
			if call.Function.Arguments != nil {
				args = *call.Function.Arguments
			}

			output, err := e.tools.Call(runCtx, name, args)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err != nil {
				output = "Error: " + err.Error()
			}

			messages = append(messages, &azopenai.ChatRequestToolMessage{
				Content:    azopenai.NewChatRequestToolMessageContent(output),
				ToolCallID: callID,
			})
			transcript = append(transcript, args, output)
		}

		if runCtx.Err() != nil {
			break
		}
	}

	e.logger.Warn("Agent stopped before producing an answer",
		zap.Int("max_iterations", maxIterations),
		zap.Duration("max_execution_time", params.MaxExecutionTime))
	result.Output = StoppedOutput
	return result, nil
}

// selectTools returns the tools offered to the model for query: all of them
// when they fit the per-request limit, otherwise the most relevant ones.
func (e *OpenAIEngine) selectTools(query string) []Tool {
	limit := e.spec.Params.MaxToolsPerRequest
	if e.index == nil || limit <= 0 || len(e.all) <= limit {
		return e.all
	}

	byName := make(map[string]Tool, len(e.all))
	for _, t := range e.all {
		byName[t.Name] = t
	}

	selected := make([]Tool, 0, limit)
	seen := make(map[string]bool, limit)
	if hits, err := e.index.Search(query, limit); err == nil {
		for _, h := range hits {
			if t, ok := byName[h.ToolName]; ok && !seen[t.Name] {
				selected = append(selected, t)
				seen[t.Name] = true
			}
		}
	} else {
		e.logger.Debug("Tool relevance search failed", zap.Error(err))
	}
	for _, t := range e.all {
		if len(selected) >= limit {
			break
		}
		if !seen[t.Name] {
			selected = append(selected, t)
			seen[t.Name] = true
		}
	}
	return selected
}

func (e *OpenAIEngine) usage(u *azopenai.CompletionsUsage, transcript []string, msg *azopenai.ChatResponseMessage) TokenUsage {
	out := TokenUsage{SuccessfulRequests: 1}
	if u != nil && u.TotalTokens != nil {
		out.PromptTokens = int(deref(u.PromptTokens))
		out.CompletionTokens = int(deref(u.CompletionTokens))
		out.TotalTokens = int(deref(u.TotalTokens))
		return out
	}

	model := e.spec.Params.Model
	out.PromptTokens = e.counter.EstimateForModel(strings.Join(transcript, "\n"), model)
	completion := ""
	if msg.Content != nil {
		completion = *msg.Content
	}
	for _, tc := range msg.ToolCalls {
		if call, ok := tc.(*azopenai.ChatCompletionsFunctionToolCall); ok && call.Function != nil && call.Function.Arguments != nil {
			completion += *call.Function.Arguments
		}
	}
	out.CompletionTokens = e.counter.EstimateForModel(completion, model)
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	return out
}

func toolDefinitions(tools []Tool) []azopenai.ChatCompletionsToolDefinitionClassification {
	defs := make([]azopenai.ChatCompletionsToolDefinitionClassification, 0, len(tools))
	for _, t := range tools {
		params := []byte(t.Parameters)
		if len(params) == 0 {
			params = emptyParameters
		}
		defs = append(defs, &azopenai.ChatCompletionsFunctionToolDefinition{
			Type: to.Ptr("function"),
			Function: &azopenai.ChatCompletionsFunctionToolDefinitionFunction{
				Name:        to.Ptr(t.Name),
				Description: to.Ptr(t.Description),
				Parameters:  params,
			},
		})
	}
	return defs
}

func deref(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
