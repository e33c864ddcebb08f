// Package translate implements the bidirectional mapping between
// OpenAI-chat, Anthropic Messages, and Gemini generateContent wire formats.
// All three directions pivot through a single OpenAI-chat-shaped canonical
// request/response/chunk representation — this halves the number of
// conversion functions needed (two directions per non-OpenAI format instead
// of six pairwise directions) and keeps anthropic_to_openai and
// openai_to_anthropic true inverses of each other, since both pivot through
// the same intermediate shape.
package translate

// Message is one canonical chat message. Content is a plain string; the type
// has no field for structured parts (tool calls, images).
type Message struct {
	Role             string
	Content          string
	ReasoningContent string
	Name             string
}

// Request is the canonical OpenAI-chat-shaped request body. The translation
// functions in this package work on map[string]any bodies and do not use
// this type.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Stream      bool
}

// Usage is the canonical token accounting block. Zero values mean "not
// reported"; callers distinguish "zero tokens" from "unknown" out of band
// via the UsageTracker's own estimate.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the canonical non-streaming completion response.
type Response struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

// Chunk is one canonical streaming delta. Exactly one of Role, Content,
// ReasoningContent, or FinishReason is normally set per chunk; Usage is set
// only on a terminal frame that carries authoritative usage.
type Chunk struct {
	ID               string
	Model            string
	Role             string
	Content          string
	ReasoningContent string
	FinishReason     string
	Usage            *Usage
	Done             bool
}

// FinishReason values, canonical (OpenAI) vocabulary.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// AnthropicStopReason values.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// FinishReasonToStopReason maps an OpenAI finish_reason to its Anthropic
// stop_reason equivalent (length maps to max_tokens, and so on).
func FinishReasonToStopReason(finish string) string {
	switch finish {
	case FinishLength:
		return StopMaxTokens
	case FinishToolCalls:
		return StopToolUse
	case "":
		return ""
	default:
		return StopEndTurn
	}
}

// StopReasonToFinishReason is the inverse mapping.
func StopReasonToFinishReason(stop string) string {
	switch stop {
	case StopMaxTokens:
		return FinishLength
	case StopToolUse:
		return FinishToolCalls
	case "":
		return ""
	default:
		return FinishStop
	}
}

// EstimateTokens is the heuristic tokenizer used for mid-stream accounting:
// roughly 4 bytes per token, floor 1 for any non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
