package translate

import "log/slog"

// Translation works on loosely-typed JSON trees (map[string]any) rather
// than rigid structs: upstream request/response bodies carry optional
// structured fields (tool calls, images, multi-part content) that vary
// across upstreams, and the translator's job is to move the fields every
// direction understands while preserving or dropping the rest, not to
// validate a fixed schema.

// OpenAIRequestToAnthropic converts an OpenAI-chat request body into an
// Anthropic Messages request body.
func OpenAIRequestToAnthropic(body map[string]any, log *slog.Logger) map[string]any {
	out := map[string]any{}

	messages, _ := body["messages"].([]any)
	var anthMessages []any
	var system any

	for i, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		if role == "system" && i == 0 {
			system = openAIContentToText(msg["content"])
			continue
		}
		anthMessages = append(anthMessages, map[string]any{
			"role":    role,
			"content": []any{map[string]any{"type": "text", "text": openAIContentToText(msg["content"])}},
		})
	}

	out["messages"] = anthMessages
	if system != nil {
		out["system"] = system
	}
	if model, ok := body["model"]; ok {
		out["model"] = model
	}
	if maxTokens, ok := body["max_tokens"]; ok {
		out["max_tokens"] = maxTokens
	} else {
		out["max_tokens"] = 4096
	}
	copyIfPresent(body, out, "temperature")
	copyIfPresent(body, out, "top_p")
	copyIfPresent(body, out, "stream")
	if stop, ok := body["stop"]; ok {
		out["stop_sequences"] = stop
	}
	if tools, ok := mapOpenAIToolsToAnthropic(body["tools"]); ok {
		out["tools"] = tools
	}
	return out
}

// AnthropicRequestToOpenAI is the inverse conversion.
func AnthropicRequestToOpenAI(body map[string]any, log *slog.Logger) map[string]any {
	out := map[string]any{}
	var oaMessages []any

	if system, ok := body["system"]; ok {
		oaMessages = append(oaMessages, map[string]any{"role": "system", "content": anthropicContentToText(system)})
	}

	messages, _ := body["messages"].([]any)
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		text, dropped := flattenAnthropicContent(msg["content"])
		if dropped > 0 && log != nil {
			log.Warn("translate: dropped non-text anthropic content parts", "count", dropped)
		}
		oaMessages = append(oaMessages, map[string]any{"role": role, "content": text})
	}

	out["messages"] = oaMessages
	if model, ok := body["model"]; ok {
		out["model"] = model
	}
	copyIfPresent(body, out, "max_tokens")
	copyIfPresent(body, out, "temperature")
	copyIfPresent(body, out, "top_p")
	copyIfPresent(body, out, "stream")
	if stop, ok := body["stop_sequences"]; ok {
		out["stop"] = stop
	}
	if tools, ok := mapAnthropicToolsToOpenAI(body["tools"]); ok {
		out["tools"] = tools
	}
	return out
}

// AnthropicResponseToOpenAI converts a completed Anthropic Messages
// response into an OpenAI chat.completion response body.
func AnthropicResponseToOpenAI(body map[string]any, model string) map[string]any {
	text, _ := flattenAnthropicContent(body["content"])
	stopReason, _ := body["stop_reason"].(string)

	usage := map[string]any{}
	if u, ok := body["usage"].(map[string]any); ok {
		usage["prompt_tokens"] = u["input_tokens"]
		usage["completion_tokens"] = u["output_tokens"]
		if in, okIn := toInt(u["input_tokens"]); okIn {
			if out, okOut := toInt(u["output_tokens"]); okOut {
				usage["total_tokens"] = in + out
			}
		}
	}

	return map[string]any{
		"id":     body["id"],
		"object": "chat.completion",
		"model":  model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": StopReasonToFinishReason(stopReason),
		}},
		"usage": usage,
	}
}

// OpenAIResponseToAnthropic is the inverse, for routes where the ingress
// speaks Anthropic but the upstream speaks OpenAI.
func OpenAIResponseToAnthropic(body map[string]any, model string) map[string]any {
	choices, _ := body["choices"].([]any)
	var text, finishReason string
	if len(choices) > 0 {
		if c, ok := choices[0].(map[string]any); ok {
			if msg, ok := c["message"].(map[string]any); ok {
				text, _ = msg["content"].(string)
			}
			finishReason, _ = c["finish_reason"].(string)
		}
	}

	out := map[string]any{
		"id":      body["id"],
		"type":    "message",
		"role":    "assistant",
		"model":   model,
		"content": []any{map[string]any{"type": "text", "text": text}},
	}
	if finishReason != "" {
		out["stop_reason"] = FinishReasonToStopReason(finishReason)
	}
	if u, ok := body["usage"].(map[string]any); ok {
		out["usage"] = map[string]any{
			"input_tokens":  u["prompt_tokens"],
			"output_tokens": u["completion_tokens"],
		}
	}
	return out
}

func copyIfPresent(src, dst map[string]any, key string) {
	if v, ok := src[key]; ok {
		dst[key] = v
	}
}

func openAIContentToText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb []byte
		for _, part := range v {
			pm, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := pm["type"].(string); t == "text" {
				if text, ok := pm["text"].(string); ok {
					sb = append(sb, text...)
				}
			}
		}
		return string(sb)
	default:
		return ""
	}
}

// flattenAnthropicContent concatenates the text of type:"text" parts in an
// Anthropic content array; it reports how many non-text parts were dropped
// so the caller can log a warning.
func flattenAnthropicContent(content any) (string, int) {
	arr, ok := content.([]any)
	if !ok {
		if s, ok := content.(string); ok {
			return s, 0
		}
		return "", 0
	}
	var sb []byte
	dropped := 0
	for _, raw := range arr {
		part, ok := raw.(map[string]any)
		if !ok {
			dropped++
			continue
		}
		switch t, _ := part["type"].(string); t {
		case "text":
			if text, ok := part["text"].(string); ok {
				sb = append(sb, text...)
			}
		default:
			dropped++
		}
	}
	return string(sb), dropped
}

func anthropicContentToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		text, _ := flattenAnthropicContent(t)
		return text
	default:
		return ""
	}
}

func mapOpenAIToolsToAnthropic(tools any) (any, bool) {
	arr, ok := tools.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	var out []any
	for _, raw := range arr {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"name":         fn["name"],
			"description":  fn["description"],
			"input_schema": fn["parameters"],
		})
	}
	return out, len(out) > 0
}

func mapAnthropicToolsToOpenAI(tools any) (any, bool) {
	arr, ok := tools.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	var out []any
	for _, raw := range arr {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t["name"],
				"description": t["description"],
				"parameters":  t["input_schema"],
			},
		})
	}
	return out, len(out) > 0
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
