package translate

import "testing"

func TestOpenAIRequestToAnthropic_LiftsSystemMessage(t *testing.T) {
	body := map[string]any{
		"model": "claude-3-5-sonnet",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hi"},
		},
		"max_tokens": 512,
	}

	out := OpenAIRequestToAnthropic(body, nil)

	if out["system"] != "be terse" {
		t.Fatalf("expected the leading system message lifted to top-level system, got %v", out["system"])
	}
	msgs, _ := out["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected the system message excluded from the messages array, got %d entries", len(msgs))
	}
	if out["max_tokens"] != 512 {
		t.Fatalf("expected max_tokens carried through, got %v", out["max_tokens"])
	}
}

func TestOpenAIRequestToAnthropic_DefaultsMaxTokens(t *testing.T) {
	body := map[string]any{"messages": []any{}}
	out := OpenAIRequestToAnthropic(body, nil)
	if out["max_tokens"] != 4096 {
		t.Fatalf("expected a default max_tokens of 4096 when absent, got %v", out["max_tokens"])
	}
}

func TestAnthropicRequestToOpenAI_PrependsSystemMessage(t *testing.T) {
	body := map[string]any{
		"system": "be terse",
		"messages": []any{
			map[string]any{"role": "user", "content": []any{map[string]any{"type": "text", "text": "hi"}}},
		},
	}

	out := AnthropicRequestToOpenAI(body, nil)
	msgs, _ := out["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be terse" {
		t.Fatalf("expected the first message to be the system prompt, got %v", first)
	}
}

func TestAnthropicResponseToOpenAI_MapsUsageAndFinishReason(t *testing.T) {
	body := map[string]any{
		"id":          "msg_1",
		"content":     []any{map[string]any{"type": "text", "text": "hello"}},
		"stop_reason": StopMaxTokens,
		"usage":       map[string]any{"input_tokens": 10.0, "output_tokens": 4.0},
	}

	out := AnthropicResponseToOpenAI(body, "claude-3-5-sonnet")
	choices, _ := out["choices"].([]any)
	choice, _ := choices[0].(map[string]any)
	if choice["finish_reason"] != FinishLength {
		t.Fatalf("expected max_tokens to map to finish_reason length, got %v", choice["finish_reason"])
	}
	usage, _ := out["usage"].(map[string]any)
	if usage["total_tokens"] != 14 {
		t.Fatalf("expected total_tokens 14, got %v", usage["total_tokens"])
	}
}

func TestOpenAIResponseToAnthropic_RoundTripsContent(t *testing.T) {
	body := map[string]any{
		"id": "chatcmpl-1",
		"choices": []any{
			map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "hello there"},
				"finish_reason": FinishStop,
			},
		},
		"usage": map[string]any{"prompt_tokens": 5.0, "completion_tokens": 2.0},
	}

	out := OpenAIResponseToAnthropic(body, "claude-3-5-sonnet")
	if out["stop_reason"] != StopEndTurn {
		t.Fatalf("expected finish_reason stop to map to end_turn, got %v", out["stop_reason"])
	}
	content, _ := out["content"].([]any)
	part, _ := content[0].(map[string]any)
	if part["text"] != "hello there" {
		t.Fatalf("expected content text carried through, got %v", part["text"])
	}
}

func TestFlattenAnthropicContent_DropsNonTextParts(t *testing.T) {
	content := []any{
		map[string]any{"type": "text", "text": "hi "},
		map[string]any{"type": "image", "source": map[string]any{}},
		map[string]any{"type": "text", "text": "there"},
	}
	text, dropped := flattenAnthropicContent(content)
	if text != "hi there" {
		t.Fatalf("expected concatenated text parts, got %q", text)
	}
	if dropped != 1 {
		t.Fatalf("expected exactly one dropped non-text part, got %d", dropped)
	}
}

func TestToolMapping_OpenAIToAnthropicAndBack(t *testing.T) {
	openAITools := []any{
		map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        "get_weather",
				"description": "fetch weather",
				"parameters":  map[string]any{"type": "object"},
			},
		},
	}

	anthTools, ok := mapOpenAIToolsToAnthropic(openAITools)
	if !ok {
		t.Fatalf("expected a mapped tool list")
	}
	back, ok := mapAnthropicToolsToOpenAI(anthTools)
	if !ok {
		t.Fatalf("expected the round trip to also produce a mapped tool list")
	}
	arr, _ := back.([]any)
	fn, _ := arr[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "get_weather" {
		t.Fatalf("expected the tool name to survive the round trip, got %v", fn["name"])
	}
}
