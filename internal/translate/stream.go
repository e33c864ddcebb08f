package translate

import "fmt"

// StreamState is the small state machine every stateful stream translator
// advances through once per stream.
type StreamState int

const (
	StreamStarted StreamState = iota
	StreamStreaming
	StreamCompleted
)

// OpenAIToAnthropicStream translates a sequence of parsed OpenAI
// chat.completion.chunk objects into Anthropic Messages SSE events.
type OpenAIToAnthropicStream struct {
	state        StreamState
	promptTokens int
}

// NewOpenAIToAnthropicStream builds a translator; promptTokens seeds the
// input_tokens field of the synthesized message_start event when the first
// upstream chunk carries no usage block of its own.
func NewOpenAIToAnthropicStream(promptTokens int) *OpenAIToAnthropicStream {
	return &OpenAIToAnthropicStream{promptTokens: promptTokens}
}

// Feed consumes one OpenAI chunk and returns the Anthropic events it
// produces, in emission order. A chunk may produce zero, one, or several
// events (e.g. the opening chunk yields message_start + content_block_start).
func (s *OpenAIToAnthropicStream) Feed(chunk map[string]any) []map[string]any {
	var events []map[string]any

	if s.state == StreamStarted {
		events = append(events, s.messageStart(chunk))
		events = append(events, contentBlockStart(0, "text"))
		s.state = StreamStreaming
	}

	choices, _ := chunk["choices"].([]any)
	if len(choices) == 0 {
		return events
	}
	choice, _ := choices[0].(map[string]any)
	delta, _ := choice["delta"].(map[string]any)

	content, hasContent := delta["content"].(string)
	reasoning, hasReasoning := delta["reasoning_content"].(string)
	if hasContent || hasReasoning {
		// GLM-style reasoning_content merges into the same text delta as
		// content, separated by a space when both are present. Trigger the
		// merge off "reasoning is non-empty" rather than hasContent, so a
		// present-but-empty content key doesn't swallow a non-empty
		// reasoning_content in the same frame.
		merged := content
		if reasoning != "" {
			if content != "" {
				merged = content + " " + reasoning
			} else {
				merged = reasoning
			}
		}
		events = append(events, contentBlockDelta(0, "text_delta", "text", merged))
	}

	if finishReason, ok := choice["finish_reason"].(string); ok && finishReason != "" {
		delta := map[string]any{"stop_reason": FinishReasonToStopReason(finishReason)}
		msgDelta := map[string]any{"type": "message_delta", "delta": delta}
		if u, ok := chunk["usage"].(map[string]any); ok {
			if out, ok := u["completion_tokens"]; ok {
				msgDelta["usage"] = map[string]any{"output_tokens": out}
			}
		}
		events = append(events, msgDelta)
		events = append(events, map[string]any{"type": "content_block_stop", "index": 0})
		events = append(events, map[string]any{"type": "message_stop"})
		s.state = StreamCompleted
	}
	return events
}

// Close is called on upstream EOF/[DONE] when the stream never carried a
// finish_reason; it emits the terminal frames so the client still sees a
// well-formed Anthropic stream.
func (s *OpenAIToAnthropicStream) Close() []map[string]any {
	if s.state == StreamCompleted {
		return nil
	}
	s.state = StreamCompleted
	return []map[string]any{
		{"type": "content_block_stop", "index": 0},
		{"type": "message_stop"},
	}
}

func (s *OpenAIToAnthropicStream) messageStart(chunk map[string]any) map[string]any {
	id, _ := chunk["id"].(string)
	if id == "" {
		id = "msg_unknown"
	} else if len(id) < 4 || id[:4] != "msg_" {
		id = "msg_" + id
	}
	model, _ := chunk["model"].(string)
	inputTokens := s.promptTokens
	if u, ok := chunk["usage"].(map[string]any); ok {
		if v, ok := toInt(u["prompt_tokens"]); ok {
			inputTokens = v
		}
	}
	return map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": inputTokens, "output_tokens": 0},
		},
	}
}

func contentBlockStart(index int, blockType string) map[string]any {
	block := map[string]any{"type": blockType}
	if blockType == "text" {
		block["text"] = ""
	}
	return map[string]any{"type": "content_block_start", "index": index, "content_block": block}
}

func contentBlockDelta(index int, deltaType, textField, text string) map[string]any {
	return map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": deltaType, textField: text},
	}
}

// AnthropicToOpenAIStream translates a sequence of parsed Anthropic
// Messages SSE events into OpenAI chat.completion.chunk objects.
type AnthropicToOpenAIStream struct {
	state StreamState
	model string
	id    string
}

func NewAnthropicToOpenAIStream(model string) *AnthropicToOpenAIStream {
	return &AnthropicToOpenAIStream{model: model}
}

// Feed consumes one Anthropic event and returns the OpenAI chunks it
// produces.
func (s *AnthropicToOpenAIStream) Feed(event map[string]any) []map[string]any {
	eventType, _ := event["type"].(string)
	switch eventType {
	case "message_start":
		msg, _ := event["message"].(map[string]any)
		s.id, _ = msg["id"].(string)
		if s.model == "" {
			s.model, _ = msg["model"].(string)
		}
		s.state = StreamStreaming
		return []map[string]any{s.chunk(map[string]any{"role": "assistant", "content": ""}, nil)}
	case "content_block_delta":
		delta, _ := event["delta"].(map[string]any)
		deltaType, _ := delta["type"].(string)
		switch deltaType {
		case "text_delta":
			text, _ := delta["text"].(string)
			return []map[string]any{s.chunk(map[string]any{"content": text}, nil)}
		case "thinking_delta":
			text, _ := delta["thinking"].(string)
			return []map[string]any{s.chunk(map[string]any{"reasoning_content": text}, nil)}
		}
		return nil
	case "message_delta":
		delta, _ := event["delta"].(map[string]any)
		stopReason, _ := delta["stop_reason"].(string)
		if stopReason == "" {
			return nil
		}
		finish := StopReasonToFinishReason(stopReason)
		return []map[string]any{s.chunk(map[string]any{}, &finish)}
	case "message_stop":
		s.state = StreamCompleted
		return []map[string]any{{"choices": []any{}, "done": true}}
	default:
		return nil
	}
}

// Close is called on upstream EOF when the stream never carried a
// message_stop event; it emits a finish chunk and a terminal marker so the
// client still sees a well-formed OpenAI stream.
func (s *AnthropicToOpenAIStream) Close() []map[string]any {
	if s.state == StreamCompleted {
		return nil
	}
	s.state = StreamCompleted
	finish := FinishStop
	return []map[string]any{
		s.chunk(map[string]any{}, &finish),
		{"choices": []any{}, "done": true},
	}
}

func (s *AnthropicToOpenAIStream) chunk(delta map[string]any, finishReason *string) map[string]any {
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != nil {
		choice["finish_reason"] = *finishReason
	} else {
		choice["finish_reason"] = nil
	}
	return map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"model":   s.model,
		"choices": []any{choice},
	}
}

// GeminiToOpenAIStream translates parsed Gemini streamGenerateContent
// frames (one JSON object per frame) into OpenAI chunks.
type GeminiToOpenAIStream struct {
	model string
	id    string
	seq   int
}

func NewGeminiToOpenAIStream(model string) *GeminiToOpenAIStream {
	return &GeminiToOpenAIStream{model: model}
}

func (s *GeminiToOpenAIStream) Feed(frame map[string]any) []map[string]any {
	s.seq++
	if s.id == "" {
		s.id = fmt.Sprintf("gemini-%d", s.seq)
	}
	var text, finishReason string
	if candidates, ok := frame["candidates"].([]any); ok && len(candidates) > 0 {
		if c, ok := candidates[0].(map[string]any); ok {
			if content, ok := c["content"].(map[string]any); ok {
				text = partsToText(content["parts"])
			}
			finishReason, _ = c["finishReason"].(string)
		}
	}

	delta := map[string]any{"content": text}
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = geminiFinishReasonToOpenAI(finishReason)
	} else {
		choice["finish_reason"] = nil
	}
	chunk := map[string]any{"id": s.id, "object": "chat.completion.chunk", "model": s.model, "choices": []any{choice}}

	if u, ok := frame["usageMetadata"].(map[string]any); ok {
		prompt, _ := toInt(u["promptTokenCount"])
		completion, _ := toInt(u["candidatesTokenCount"])
		chunk["usage"] = map[string]any{"prompt_tokens": prompt, "completion_tokens": completion}
	}
	return []map[string]any{chunk}
}

// Close is a no-op: Gemini's stream frames carry their own finishReason
// inline, and the SSE bridge always appends the terminal "[DONE]" marker
// regardless of what the translator returns here.
func (s *GeminiToOpenAIStream) Close() []map[string]any {
	return nil
}

// OpenAIToGeminiStream translates OpenAI chat.completion.chunk frames into
// Gemini streamGenerateContent frames. Used directly for a Gemini-ingress
// request routed to an OpenAI upstream, and as the second stage when
// pivoting an Anthropic upstream's stream to a Gemini-ingress client
// through the OpenAI-chunk shape.
type OpenAIToGeminiStream struct {
	model string
}

func NewOpenAIToGeminiStream(model string) *OpenAIToGeminiStream {
	return &OpenAIToGeminiStream{model: model}
}

func (s *OpenAIToGeminiStream) Feed(chunk map[string]any) []map[string]any {
	choices, _ := chunk["choices"].([]any)
	if len(choices) == 0 {
		return nil
	}
	choice, _ := choices[0].(map[string]any)
	delta, _ := choice["delta"].(map[string]any)

	content, hasContent := delta["content"].(string)
	reasoning, hasReasoning := delta["reasoning_content"].(string)
	if !hasContent && !hasReasoning {
		return nil
	}
	// GLM-style reasoning_content is user-visible output too (§4.4): merge
	// it into the same text part as content, separated by a space.
	text := content
	if reasoning != "" {
		if content != "" {
			text = content + " " + reasoning
		} else {
			text = reasoning
		}
	}

	candidate := map[string]any{
		"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
	}
	if finishReason, ok := choice["finish_reason"].(string); ok && finishReason != "" {
		candidate["finishReason"] = openAIFinishReasonToGemini(finishReason)
	}
	frame := map[string]any{"candidates": []any{candidate}}

	if u, ok := chunk["usage"].(map[string]any); ok {
		prompt, _ := toInt(u["prompt_tokens"])
		completion, _ := toInt(u["completion_tokens"])
		frame["usageMetadata"] = map[string]any{
			"promptTokenCount":     prompt,
			"candidatesTokenCount": completion,
			"totalTokenCount":      prompt + completion,
		}
	}
	return []map[string]any{frame}
}

// Close is a no-op: like GeminiToOpenAIStream, there is no separate
// terminal event in Gemini's stream shape beyond the last candidate's own
// finishReason.
func (s *OpenAIToGeminiStream) Close() []map[string]any {
	return nil
}
