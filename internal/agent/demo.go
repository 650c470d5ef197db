package agent

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/adred-codev/agentstream/internal/events"
	"github.com/adred-codev/agentstream/internal/publisher"
)

// Tool is a mock tool definition, adapted from
// original_source/fastapi_sse/workers/mock_agent.py's
// MockToolDefinition.
type Tool struct {
	Name        string
	MockResult  any
	Delay       time.Duration
	FailureRate float64
}

// DefaultTools mirrors mock_agent.py's DEFAULT_MOCK_TOOLS.
var DefaultTools = map[string]Tool{
	"web_search": {
		Name: "web_search",
		MockResult: map[string]any{
			"results": []map[string]any{
				{"title": "Sample Result 1", "url": "https://example.com/1"},
				{"title": "Sample Result 2", "url": "https://example.com/2"},
			},
			"total_results": 2,
		},
		Delay: 150 * time.Millisecond,
	},
	"calculator": {
		Name:       "calculator",
		MockResult: map[string]any{"expression": "2 + 2", "result": 4},
		Delay:      50 * time.Millisecond,
	},
	"code_executor": {
		Name:        "code_executor",
		MockResult:  map[string]any{"output": "Hello, World!\n", "exit_code": 0},
		Delay:       200 * time.Millisecond,
		FailureRate: 0.05,
	},
}

// DemoConfig configures DemoAgent's behavior, adapted from
// mock_agent.py's MockAgentConfig.
type DemoConfig struct {
	BaseDelay        time.Duration
	DelayVariance    time.Duration
	TraceCount       int
	ToolsToCall      []string
	ResponseTemplate string
}

func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		BaseDelay:        200 * time.Millisecond,
		DelayVariance:    50 * time.Millisecond,
		TraceCount:       2,
		ToolsToCall:      []string{"web_search", "calculator"},
		ResponseTemplate: "Based on my analysis: %s",
	}
}

// DemoAgent produces a realistic trace -> tool_call -> tool_result ->
// trace -> final event sequence for local testing and demos, adapted
// from mock_agent.py's MockAgent.
type DemoAgent struct {
	cfg   DemoConfig
	tools map[string]Tool
}

func NewDemoAgent(cfg DemoConfig, tools map[string]Tool) *DemoAgent {
	if tools == nil {
		tools = DefaultTools
	}
	return &DemoAgent{cfg: cfg, tools: tools}
}

func (a *DemoAgent) delay(base time.Duration) time.Duration {
	if base <= 0 {
		base = a.cfg.BaseDelay
	}
	variance := a.cfg.DelayVariance
	jitter := time.Duration(rand.Int63n(int64(2*variance+1))) - variance
	d := base + jitter
	if d < 0 {
		d = 0
	}
	return d
}

// sleepWithCancelCheck sleeps in small steps, polling cancelled, and
// reports whether cancellation fired.
func (a *DemoAgent) sleepWithCancelCheck(ctx context.Context, d time.Duration, cancelled func() bool) bool {
	if d <= 0 {
		return cancelled()
	}
	const steps = 5
	step := d / steps
	for i := 0; i < steps; i++ {
		if cancelled() {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(step):
		}
	}
	return cancelled()
}

func (a *DemoAgent) Run(ctx context.Context, req Request, pub *publisher.Publisher, cancelled func() bool) error {
	start := time.Now()

	emitCancelled := func() error {
		_, err := pub.PublishError(ctx, req.SessionID, "Task was cancelled by user", "CancellationError", false, nil)
		return err
	}

	if cancelled() {
		return emitCancelled()
	}

	promptPreview := req.Prompt
	if len(promptPreview) > 100 {
		promptPreview = promptPreview[:100]
	}
	if _, err := pub.PublishTrace(ctx, req.SessionID,
		fmt.Sprintf("Analyzing prompt: '%s...' - identifying required tools and approach.", promptPreview),
		"planning"); err != nil {
		return err
	}

	if a.sleepWithCancelCheck(ctx, a.delay(0), cancelled) {
		return emitCancelled()
	}

	type toolOutcome struct {
		name    string
		success bool
	}
	var outcomes []toolOutcome

	for i, name := range a.cfg.ToolsToCall {
		tool, ok := a.tools[name]
		if !ok {
			continue
		}
		if cancelled() {
			return emitCancelled()
		}

		callID := fmt.Sprintf("call-%d", i)
		toolInput := map[string]any{"query": req.Prompt, "index": i}
		if _, err := pub.PublishToolCall(ctx, req.SessionID, tool.Name, toolInput, callID); err != nil {
			return err
		}

		toolStart := time.Now()
		if a.sleepWithCancelCheck(ctx, a.delay(tool.Delay), cancelled) {
			return emitCancelled()
		}

		success := true
		result := tool.MockResult
		if tool.FailureRate > 0 && rand.Float64() < tool.FailureRate {
			success = false
			result = map[string]any{"error": fmt.Sprintf("mock failure in %s", tool.Name)}
		}

		durationMS := float64(time.Since(toolStart).Milliseconds())
		if _, err := pub.PublishToolResult(ctx, req.SessionID, tool.Name, result, callID, success, durationMS); err != nil {
			return err
		}
		outcomes = append(outcomes, toolOutcome{name: tool.Name, success: success})
	}

	if cancelled() {
		return emitCancelled()
	}

	thinkingMessages := []string{
		fmt.Sprintf("Processing tool results (%d collected)...", len(outcomes)),
		"Synthesizing information from multiple sources...",
		"Formulating comprehensive response...",
		"Validating conclusions against available data...",
	}
	for i := 0; i < a.cfg.TraceCount; i++ {
		if cancelled() {
			return emitCancelled()
		}
		idx := i
		if idx >= len(thinkingMessages) {
			idx = len(thinkingMessages) - 1
		}
		if _, err := pub.PublishTrace(ctx, req.SessionID, thinkingMessages[idx], "synthesis"); err != nil {
			return err
		}
		if a.sleepWithCancelCheck(ctx, a.delay(0), cancelled) {
			return emitCancelled()
		}
	}

	var successfulTools []string
	for _, o := range outcomes {
		if o.success {
			successfulTools = append(successfulTools, o.name)
		}
	}
	summary := fmt.Sprintf("Used %d tools: %v", len(successfulTools), successfulTools)
	response := fmt.Sprintf(a.cfg.ResponseTemplate, summary)

	totalDurationMS := float64(time.Since(start).Milliseconds())
	_, err := pub.PublishFinal(ctx, req.SessionID, response, totalDurationMS, &events.TokenUsage{
		PromptTokens:     100,
		CompletionTokens: 50,
	})
	return err
}
