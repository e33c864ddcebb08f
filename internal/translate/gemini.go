package translate

// OpenAIRequestToGemini converts an OpenAI-chat request body into a Gemini
// generateContent request body.
func OpenAIRequestToGemini(body map[string]any) map[string]any {
	out := map[string]any{}
	messages, _ := body["messages"].([]any)

	var contents []any
	var systemParts []string
	for i, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		text := openAIContentToText(msg["content"])
		if role == "system" && i == 0 {
			systemParts = append(systemParts, text)
			continue
		}
		geminiRole := "user"
		if role == "assistant" {
			geminiRole = "model"
		}
		contents = append(contents, map[string]any{
			"role":  geminiRole,
			"parts": []any{map[string]any{"text": text}},
		})
	}
	out["contents"] = contents
	if len(systemParts) > 0 {
		out["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": joinStrings(systemParts, "\n\n")}},
		}
	}

	genConfig := map[string]any{}
	if maxTokens, ok := body["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = maxTokens
	}
	if temp, ok := body["temperature"]; ok {
		genConfig["temperature"] = temp
	}
	if topP, ok := body["top_p"]; ok {
		genConfig["topP"] = topP
	}
	if stop, ok := body["stop"]; ok {
		genConfig["stopSequences"] = stop
	}
	if len(genConfig) > 0 {
		out["generationConfig"] = genConfig
	}
	return out
}

// GeminiRequestToOpenAI is the inverse.
func GeminiRequestToOpenAI(body map[string]any, model string) map[string]any {
	out := map[string]any{"model": model}
	var messages []any

	if sysInstr, ok := body["systemInstruction"].(map[string]any); ok {
		if text := partsToText(sysInstr["parts"]); text != "" {
			messages = append(messages, map[string]any{"role": "system", "content": text})
		}
	}

	contents, _ := body["contents"].([]any)
	for _, raw := range contents {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := c["role"].(string)
		oaRole := "user"
		if role == "model" {
			oaRole = "assistant"
		}
		messages = append(messages, map[string]any{"role": oaRole, "content": partsToText(c["parts"])})
	}
	out["messages"] = messages

	if gen, ok := body["generationConfig"].(map[string]any); ok {
		if v, ok := gen["maxOutputTokens"]; ok {
			out["max_tokens"] = v
		}
		if v, ok := gen["temperature"]; ok {
			out["temperature"] = v
		}
		if v, ok := gen["topP"]; ok {
			out["top_p"] = v
		}
		if v, ok := gen["stopSequences"]; ok {
			out["stop"] = v
		}
	}
	return out
}

// GeminiResponseToOpenAI converts a completed generateContent response into
// an OpenAI chat.completion response body.
func GeminiResponseToOpenAI(body map[string]any, model string) map[string]any {
	var text, finishReason string
	if candidates, ok := body["candidates"].([]any); ok && len(candidates) > 0 {
		if c, ok := candidates[0].(map[string]any); ok {
			if content, ok := c["content"].(map[string]any); ok {
				text = partsToText(content["parts"])
			}
			finishReason, _ = c["finishReason"].(string)
		}
	}

	usage := map[string]any{}
	if u, ok := body["usageMetadata"].(map[string]any); ok {
		prompt, _ := toInt(u["promptTokenCount"])
		completion, _ := toInt(u["candidatesTokenCount"])
		usage["prompt_tokens"] = prompt
		usage["completion_tokens"] = completion
		usage["total_tokens"] = prompt + completion
	}

	return map[string]any{
		"model": model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": geminiFinishReasonToOpenAI(finishReason),
		}},
		"usage": usage,
	}
}

// OpenAIResponseToGemini is the inverse, for routes where the ingress
// speaks Gemini but the upstream speaks OpenAI.
func OpenAIResponseToGemini(body map[string]any) map[string]any {
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
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
			"finishReason": openAIFinishReasonToGemini(finishReason),
		}},
	}
	if u, ok := body["usage"].(map[string]any); ok {
		prompt, _ := toInt(u["prompt_tokens"])
		completion, _ := toInt(u["completion_tokens"])
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     prompt,
			"candidatesTokenCount": completion,
			"totalTokenCount":      prompt + completion,
		}
	}
	return out
}

func partsToText(parts any) string {
	arr, ok := parts.([]any)
	if !ok {
		return ""
	}
	var sb []byte
	for _, raw := range arr {
		part, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok {
			sb = append(sb, text...)
		}
	}
	return string(sb)
}

func geminiFinishReasonToOpenAI(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return FinishLength
	case "STOP", "":
		return FinishStop
	default:
		return FinishStop
	}
}

func openAIFinishReasonToGemini(reason string) string {
	switch reason {
	case FinishLength:
		return "MAX_TOKENS"
	default:
		return "STOP"
	}
}

func joinStrings(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}
