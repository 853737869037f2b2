package relay

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/coppicelabs/relay/llm"
)

// Router defaults.
const (
	// DefaultStickyMargin is how far a competing specialist's confidence
	// must exceed the previous turn's specialist before stickiness breaks.
	DefaultStickyMargin = 0.15

	// keywordConfidenceFloor is the minimum keyword score that counts as
	// an unambiguous match; below it the model fallback decides.
	keywordConfidenceFloor = 0.25
)

// classifyInstruction is the template for the model routing fallback.
const classifyInstruction = `You route customer messages to specialist agents.
Available specialists:
%s
Respond with a single JSON object: {"capabilities": ["<name>", ...], "confidence": <0..1>}.
Use an empty list for greetings and small talk that need no specialist.`

// Router classifies a turn to zero or more specialists. Deterministic
// keyword matching runs first; ambiguity falls back to a model call over
// the compact thread summary.
type Router struct {
	provider     llm.Provider
	specialists  []*Specialist
	stickyMargin float64
	retry        RetryPolicy
}

// NewRouter creates a router over the registered specialists.
func NewRouter(provider llm.Provider, specialists []*Specialist, stickyMargin float64, retry RetryPolicy) *Router {
	if stickyMargin <= 0 {
		stickyMargin = DefaultStickyMargin
	}
	return &Router{
		provider:     provider,
		specialists:  specialists,
		stickyMargin: stickyMargin,
		retry:        retry,
	}
}

// Route decides the specialists for a message. previous is the capability
// used in the immediately preceding turn ("" when none); summary is the
// compact thread context handed to the model fallback.
func (r *Router) Route(ctx context.Context, message, previous, summary string) (*Decision, error) {
	scores := r.keywordScores(message)

	best, second := topTwo(scores)
	if best.score >= keywordConfidenceFloor && best.score > second.score {
		return r.applySticky(&Decision{
			Capabilities: []string{best.name},
			Confidence:   best.score,
			Method:       "keyword",
		}, scores, previous), nil
	}
	if best.score == 0 && looksLikeSmallTalk(message) {
		return &Decision{Capabilities: nil, Confidence: 1, Method: "keyword"}, nil
	}

	decision, err := r.classifyWithModel(ctx, message, summary)
	if err != nil {
		// Routing ambiguity is resolved internally, never surfaced: fall
		// back to the best keyword guess, then to stickiness.
		log.Warn().Err(err).Msg("model routing failed, using heuristic result")
		if best.score > 0 {
			return r.applySticky(&Decision{
				Capabilities: []string{best.name},
				Confidence:   best.score,
				Method:       "keyword",
			}, scores, previous), nil
		}
		if previous != "" {
			return &Decision{Capabilities: []string{previous}, Confidence: 0.5, Method: "sticky"}, nil
		}
		return &Decision{Capabilities: nil, Confidence: 0, Method: "keyword"}, nil
	}

	return r.applySticky(decision, scores, previous), nil
}

// keywordScores matches the message against each specialist's declared
// description, scoring by fraction of description keywords present.
func (r *Router) keywordScores(message string) map[string]float64 {
	msg := strings.ToLower(message)
	scores := make(map[string]float64, len(r.specialists))

	for _, spec := range r.specialists {
		keywords := spec.Keywords()
		if len(keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(msg, kw) {
				hits++
			}
		}
		if hits > 0 {
			scores[spec.Capability] = float64(hits) / float64(len(keywords))
		}
	}
	return scores
}

// classifyWithModel asks the provider to pick specialists.
func (r *Router) classifyWithModel(ctx context.Context, message, summary string) (*Decision, error) {
	var catalog strings.Builder
	for _, spec := range r.specialists {
		catalog.WriteString("- ")
		catalog.WriteString(spec.Capability)
		catalog.WriteString(": ")
		catalog.WriteString(spec.Description)
		catalog.WriteString("\n")
	}

	prompt := strings.Replace(classifyInstruction, "%s", catalog.String(), 1)
	var user strings.Builder
	if summary != "" {
		user.WriteString("Conversation so far: ")
		user.WriteString(summary)
		user.WriteString("\n\n")
	}
	user.WriteString("Message: ")
	user.WriteString(message)

	resp, err := Retry(ctx, r.retry, "route", func(ctx context.Context) (*llm.Response, error) {
		return r.provider.Generate(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: user.String()},
		}, nil)
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Capabilities []string `json:"capabilities"`
		Confidence   float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, MarkFatal(err)
	}

	// Drop hallucinated capability names.
	known := make(map[string]bool, len(r.specialists))
	for _, spec := range r.specialists {
		known[spec.Capability] = true
	}
	var caps []string
	for _, c := range parsed.Capabilities {
		if known[c] {
			caps = append(caps, c)
		}
	}

	return &Decision{Capabilities: caps, Confidence: parsed.Confidence, Method: "model"}, nil
}

// applySticky prefers the previous turn's specialist unless a competitor
// beats it by more than the configured margin.
func (r *Router) applySticky(d *Decision, scores map[string]float64, previous string) *Decision {
	if previous == "" || len(d.Capabilities) != 1 || d.Capabilities[0] == previous {
		return d
	}
	prevScore := scores[previous]
	if prevScore > 0 && d.Confidence-prevScore <= r.stickyMargin {
		return &Decision{Capabilities: []string{previous}, Confidence: prevScore, Method: "sticky"}
	}
	return d
}

type scored struct {
	name  string
	score float64
}

// topTwo returns the two highest-scoring capabilities, with deterministic
// name ordering on ties.
func topTwo(scores map[string]float64) (scored, scored) {
	all := make([]scored, 0, len(scores))
	for name, s := range scores {
		all = append(all, scored{name, s})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].name < all[j].name
	})
	var best, second scored
	if len(all) > 0 {
		best = all[0]
	}
	if len(all) > 1 {
		second = all[1]
	}
	return best, second
}

var smallTalkPhrases = []string{
	"hello", "hi", "hey", "thanks", "thank you", "good morning",
	"good afternoon", "good evening", "bye", "goodbye", "how are you",
}

// looksLikeSmallTalk catches greetings that need no specialist.
func looksLikeSmallTalk(message string) bool {
	msg := strings.ToLower(strings.TrimSpace(message))
	if len(msg) > 60 {
		return false
	}
	for _, p := range smallTalkPhrases {
		if strings.HasPrefix(msg, p) || msg == p {
			return true
		}
	}
	return false
}
