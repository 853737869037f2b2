package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/coppicelabs/relay/llm"
)

// Compressor defaults.
const (
	// DefaultSummaryBudget is the character cap on the prose summary.
	DefaultSummaryBudget = 1200

	// DefaultRawFallbackTurns is how many raw turns stand in for the
	// summary when compression fails.
	DefaultRawFallbackTurns = 4
)

// compressInstruction is the fixed template for the compression call. The
// model returns a JSON object so entities can be set-unioned afterwards.
const compressInstruction = `Summarize the conversation below for an assistant that will continue it.
Respond with a single JSON object:
{"summary": "<prose summary under %d characters>",
 "entities": {"<category>": ["<value>", ...]}}
Categories are things like products, people, orders, topics, and numbers.
Only include entities that literally appear in the conversation.`

// Compressor reduces turn history plus tool output into a bounded summary
// and entity map for reuse across turns and agents.
type Compressor struct {
	provider      llm.Provider
	summaryBudget int
	fallbackTurns int
	retry         RetryPolicy
}

// NewCompressor creates a compressor over the given provider.
func NewCompressor(provider llm.Provider, summaryBudget int, retry RetryPolicy) *Compressor {
	if summaryBudget <= 0 {
		summaryBudget = DefaultSummaryBudget
	}
	return &Compressor{
		provider:      provider,
		summaryBudget: summaryBudget,
		fallbackTurns: DefaultRawFallbackTurns,
		retry:         retry,
	}
}

// Compress folds the thread's turns into a bounded context. prior may be
// nil on a fresh thread. A failed model call is non-fatal: the result
// degrades to the most recent raw turns so the pipeline keeps moving.
// The most recent turn's content is always present in the output.
func (c *Compressor) Compress(ctx context.Context, thread *Thread, prior *CompressedContext) *CompressedContext {
	if len(thread.Turns) == 0 {
		return prior
	}

	cc, err := c.compressWithModel(ctx, thread, prior)
	if err != nil {
		log.Warn().
			Str("thread_id", thread.ID).
			Err(err).
			Msg("compression failed, falling back to raw turns")
		return c.rawFallback(thread, prior)
	}
	return cc
}

func (c *Compressor) compressWithModel(ctx context.Context, thread *Thread, prior *CompressedContext) (*CompressedContext, error) {
	var sb strings.Builder
	if prior != nil && prior.Summary != "" {
		sb.WriteString("Earlier context: ")
		sb.WriteString(prior.Summary)
		sb.WriteString("\n\n")
	}
	for _, turn := range thread.Turns {
		sb.WriteString("user: ")
		sb.WriteString(turn.UserMsg)
		sb.WriteString("\n")
		for _, tc := range turn.ToolCalls {
			sb.WriteString("tool ")
			sb.WriteString(tc.Tool)
			sb.WriteString(": ")
			sb.WriteString(clamp(tc.Result, 400))
			sb.WriteString("\n")
		}
		if turn.FinalMsg != "" {
			sb.WriteString("assistant: ")
			sb.WriteString(turn.FinalMsg)
			sb.WriteString("\n")
		}
	}

	instruction := fmt.Sprintf(compressInstruction, c.summaryBudget)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: instruction},
		{Role: llm.RoleUser, Content: sb.String()},
	}

	resp, err := Retry(ctx, c.retry, "compress", func(ctx context.Context) (*llm.Response, error) {
		return c.provider.Generate(ctx, messages, nil)
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Summary  string              `json:"summary"`
		Entities map[string][]string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, MarkFatal(err)
	}

	cc := &CompressedContext{
		Summary:     clamp(parsed.Summary, c.summaryBudget),
		Entities:    unionEntities(prior, containedEntities(parsed.Entities, sb.String())),
		FromTurn:    0,
		ToTurn:      len(thread.Turns) - 1,
		GeneratedAt: time.Now(),
	}
	if prior != nil {
		cc.FromTurn = prior.FromTurn
	}

	// The latest turn's content must survive compression; splice it in
	// when the model dropped it.
	last := thread.Turns[len(thread.Turns)-1]
	if last.UserMsg != "" && !strings.Contains(strings.ToLower(cc.Summary), strings.ToLower(firstWords(last.UserMsg, 3))) {
		suffix := " Latest request: " + clamp(last.UserMsg, 200)
		cc.Summary = clamp(cc.Summary, c.summaryBudget-len(suffix)) + suffix
	}

	return cc, nil
}

// rawFallback degrades to the most recent K raw turns verbatim.
func (c *Compressor) rawFallback(thread *Thread, prior *CompressedContext) *CompressedContext {
	turns := thread.Turns
	from := 0
	if len(turns) > c.fallbackTurns {
		from = len(turns) - c.fallbackTurns
		turns = turns[from:]
	}

	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString("user: ")
		sb.WriteString(turn.UserMsg)
		sb.WriteString("\n")
		if turn.FinalMsg != "" {
			sb.WriteString("assistant: ")
			sb.WriteString(clamp(turn.FinalMsg, 400))
			sb.WriteString("\n")
		}
	}

	var entities map[string][]string
	if prior != nil {
		entities = prior.Entities
	}
	return &CompressedContext{
		Summary:     sb.String(),
		Entities:    entities,
		FromTurn:    from,
		ToTurn:      len(thread.Turns) - 1,
		GeneratedAt: time.Now(),
	}
}

// containedEntities drops model-invented values: every entity must appear
// verbatim (case-insensitively) in the source conversation text.
func containedEntities(entities map[string][]string, source string) map[string][]string {
	src := strings.ToLower(source)
	out := make(map[string][]string, len(entities))
	for cat, vals := range entities {
		for _, v := range vals {
			if strings.Contains(src, strings.ToLower(strings.TrimSpace(v))) {
				out[cat] = append(out[cat], v)
			}
		}
	}
	return out
}

// unionEntities merges prior and fresh entity values case-insensitively,
// keeping first-seen casing.
func unionEntities(prior *CompressedContext, fresh map[string][]string) map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]map[string]bool)

	add := func(category, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		key := strings.ToLower(value)
		if seen[category] == nil {
			seen[category] = make(map[string]bool)
		}
		if seen[category][key] {
			return
		}
		seen[category][key] = true
		out[category] = append(out[category], value)
	}

	if prior != nil {
		for cat, vals := range prior.Entities {
			for _, v := range vals {
				add(cat, v)
			}
		}
	}
	for cat, vals := range fresh {
		for _, v := range vals {
			add(cat, v)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// extractJSON strips code fences and leading prose around a JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// clamp cuts s to at most limit bytes without splitting a rune.
func clamp(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}
