package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coppicelabs/relay/llm"
)

// DefaultMaxIterations caps a specialist's tool-call loop.
const DefaultMaxIterations = 10

// helpToolName is the synthetic tool a specialist calls to hand the turn to
// another capability. It never reaches a worker.
const helpToolName = "request_help"

// Specialist binds a capability name, a dedicated prompt, and a tool subset.
// Its worker capability shares the same name: one addressable process per
// capability.
type Specialist struct {
	// Capability names both the specialist and its worker.
	Capability string

	// Description is what the router matches against.
	Description string

	// Prompt is the specialist's system prompt.
	Prompt string

	// Tools restricts which of the worker's tools are visible. Empty
	// means all of them.
	Tools []string

	// MaxIterations caps the tool-call loop (default DefaultMaxIterations).
	MaxIterations int

	keywords []string
}

// Outcome is a specialist run result: either a final message or a help
// request naming another capability.
type Outcome struct {
	Message string
	Help    *HelpRequest
}

// Keywords returns the lowercase content words of the description, used by
// the router's deterministic pass.
func (s *Specialist) Keywords() []string {
	if s.keywords != nil {
		return s.keywords
	}
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s.Description)) {
		w = strings.Trim(w, ".,;:()")
		if len(w) < 4 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		s.keywords = append(s.keywords, w)
	}
	return s.keywords
}

var stopWords = map[string]bool{
	"with": true, "from": true, "that": true, "this": true, "into": true,
	"about": true, "against": true, "their": true, "other": true,
	"handles": true, "customer": true, "customers": true, "questions": true,
}

// runInput carries everything a specialist needs for one dispatch.
type runInput struct {
	turn    *Turn
	context *CompressedContext
	// handoff is the help-request payload when this dispatch is a hop.
	handoff string
	stream  *TurnStream
}

// run executes the LLM tool-call loop. Tool calls go through the manager
// and are recorded on the turn for audit and hand-off; the loop ends on a
// final message, a help request, or iteration exhaustion.
func (s *Specialist) run(ctx context.Context, provider llm.Provider, tools ToolDispatcher, retry RetryPolicy, in runInput) (*Outcome, error) {
	schemas, err := s.visibleSchemas(tools)
	if err != nil {
		return nil, err
	}

	messages := s.buildMessages(in)
	maxIterations := s.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := Retry(ctx, retry, "specialist:"+s.Capability, func(ctx context.Context) (*llm.Response, error) {
			return provider.Generate(ctx, messages, schemas)
		})
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			return &Outcome{Message: resp.Content}, nil
		}

		if strings.TrimSpace(resp.Content) != "" {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		}

		for _, tc := range resp.ToolCalls {
			if tc.Name == helpToolName {
				return &Outcome{Help: parseHelpRequest(tc.Arguments)}, nil
			}

			in.stream.emit(EventToolInvoked, map[string]any{
				"capability": s.Capability,
				"tool":       tc.Name,
				"args":       tc.Arguments,
			})

			start := time.Now()
			result, callErr := Retry(ctx, retry, "tool:"+tc.Name, func(ctx context.Context) (string, error) {
				return tools.Call(ctx, s.Capability, tc.Name, tc.Arguments)
			})
			latency := time.Since(start)

			record := ToolCallRecord{
				Capability: s.Capability,
				Tool:       tc.Name,
				Args:       tc.Arguments,
				LatencyMs:  latency.Milliseconds(),
				At:         start,
			}
			if callErr != nil {
				record.Error = callErr.Error()
				result = "Error: " + callErr.Error()
			} else {
				record.Result = result
			}
			in.turn.ToolCalls = append(in.turn.ToolCalls, record)

			in.stream.emit(EventToolResult, map[string]any{
				"capability": s.Capability,
				"tool":       tc.Name,
				"result":     clamp(result, 2000),
				"latency_ms": latency.Milliseconds(),
				"error":      record.Error != "",
			})

			log.Debug().
				Str("capability", s.Capability).
				Str("tool", tc.Name).
				Dur("latency", latency).
				Err(callErr).
				Msg("tool call finished")

			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: formatToolResult(tc.ID, tc.Name, result),
			})
		}
	}

	return nil, fmt.Errorf("specialist %s: %w", s.Capability, ErrMaxIterationsExceeded)
}

// visibleSchemas resolves the worker's discovered tools through the
// specialist's subset filter and appends the help pseudo-tool.
func (s *Specialist) visibleSchemas(tools ToolDispatcher) ([]llm.ToolSchema, error) {
	infos, err := tools.Tools(s.Capability)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(s.Tools))
	for _, name := range s.Tools {
		allowed[name] = true
	}

	var schemas []llm.ToolSchema
	for _, ti := range infos {
		if len(allowed) > 0 && !allowed[ti.Name] {
			continue
		}
		schemas = append(schemas, llm.ToolSchema{
			Name:        ti.Name,
			Description: ti.Description,
			InputSchema: ti.InputSchema,
		})
	}

	schemas = append(schemas, llm.ToolSchema{
		Name:        helpToolName,
		Description: "Hand this request to another specialist when it is outside your capability. Provide the target capability and the context it needs.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"capability": map[string]any{"type": "string"},
				"context":    map[string]any{"type": "string"},
			},
			"required": []string{"capability", "context"},
		},
	})

	return schemas, nil
}

// buildMessages assembles system instructions, compressed context, prior
// tool activity from earlier hops, and the user message.
func (s *Specialist) buildMessages(in runInput) []llm.Message {
	var system strings.Builder
	system.WriteString(s.Prompt)
	system.WriteString("\n\nIf the request needs a different specialist, call ")
	system.WriteString(helpToolName)
	system.WriteString(" instead of guessing.")

	var user strings.Builder
	if in.context != nil && in.context.Summary != "" {
		user.WriteString("Conversation context: ")
		user.WriteString(in.context.Summary)
		user.WriteString("\n")
		if len(in.context.Entities) > 0 {
			if data, err := json.Marshal(in.context.Entities); err == nil {
				user.WriteString("Known entities: ")
				user.Write(data)
				user.WriteString("\n")
			}
		}
		user.WriteString("\n")
	}
	if in.handoff != "" {
		user.WriteString("Hand-off from another specialist: ")
		user.WriteString(in.handoff)
		user.WriteString("\n\n")
	}
	for _, tc := range in.turn.ToolCalls {
		user.WriteString("Earlier this turn, ")
		user.WriteString(tc.Capability)
		user.WriteString(" ran ")
		user.WriteString(tc.Tool)
		user.WriteString(": ")
		if tc.Error != "" {
			user.WriteString("error: " + tc.Error)
		} else {
			user.WriteString(clamp(tc.Result, 600))
		}
		user.WriteString("\n")
	}
	user.WriteString(in.turn.UserMsg)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system.String()},
		{Role: llm.RoleUser, Content: user.String()},
	}
}

func parseHelpRequest(args map[string]any) *HelpRequest {
	hr := &HelpRequest{}
	if v, ok := args["capability"].(string); ok {
		hr.Capability = v
	}
	if v, ok := args["context"].(string); ok {
		hr.Context = v
	}
	return hr
}

// formatToolResult frames a tool result for the model, matching the
// framing used when replaying history as plain text.
func formatToolResult(id, name, result string) string {
	return "<tool_result tool_use_id=\"" + id + "\" name=\"" + name + "\">\n" + result + "\n</tool_result>"
}
