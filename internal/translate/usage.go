package translate

// ExtractOpenAIUsage reads the usage block of an OpenAI-shaped response or
// final stream chunk.
func ExtractOpenAIUsage(body map[string]any) (Usage, bool) {
	u, ok := body["usage"].(map[string]any)
	if !ok {
		return Usage{}, false
	}
	prompt, _ := toInt(u["prompt_tokens"])
	completion, _ := toInt(u["completion_tokens"])
	return Usage{PromptTokens: prompt, CompletionTokens: completion}, true
}

// ExtractAnthropicUsage reads an Anthropic usage block
// ({input_tokens, output_tokens}), present on message_start and
// message_delta events as well as non-streaming responses.
func ExtractAnthropicUsage(body map[string]any) (Usage, bool) {
	u, ok := body["usage"].(map[string]any)
	if !ok {
		return Usage{}, false
	}
	in, hasIn := toInt(u["input_tokens"])
	out, hasOut := toInt(u["output_tokens"])
	if !hasIn && !hasOut {
		return Usage{}, false
	}
	return Usage{PromptTokens: in, CompletionTokens: out}, true
}

// ExtractGeminiUsage reads Gemini's usageMetadata block.
func ExtractGeminiUsage(body map[string]any) (Usage, bool) {
	u, ok := body["usageMetadata"].(map[string]any)
	if !ok {
		return Usage{}, false
	}
	prompt, _ := toInt(u["promptTokenCount"])
	completion, _ := toInt(u["candidatesTokenCount"])
	return Usage{PromptTokens: prompt, CompletionTokens: completion}, true
}
