package forward

import (
	"encoding/json"
	"log/slog"

	"github.com/arcrelay/forwardcore/internal/snapshot"
	"github.com/arcrelay/forwardcore/internal/translate"
)

// translatePivot converts a JSON body between two wire api_styles, via the
// canonical OpenAI shape internal/translate is built around:
// non-OpenAI-to-non-OpenAI conversions go through an OpenAI intermediate
// rather than needing a direct function per pair.
func translatePivot(from, to snapshot.APIStyle, body []byte, model string, log *slog.Logger) []byte {
	if from == to || len(body) == 0 {
		return body
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		if log != nil {
			log.Warn("translate_unmarshal_failed", slog.String("from", string(from)), slog.String("to", string(to)))
		}
		return body
	}

	openAI := toOpenAI(from, doc, model, log)
	result := fromOpenAI(to, openAI, model, log)

	out, err := json.Marshal(result)
	if err != nil {
		return body
	}
	return out
}

func toOpenAI(from snapshot.APIStyle, doc map[string]any, model string, log *slog.Logger) map[string]any {
	switch from {
	case snapshot.APIStyleAnthropic:
		if isResponseShape(doc) {
			return translate.AnthropicResponseToOpenAI(doc, model)
		}
		return translate.AnthropicRequestToOpenAI(doc, log)
	case snapshot.APIStyleGemini:
		if isResponseShape(doc) {
			return translate.GeminiResponseToOpenAI(doc, model)
		}
		return translate.GeminiRequestToOpenAI(doc, model)
	default:
		return doc
	}
}

func fromOpenAI(to snapshot.APIStyle, doc map[string]any, model string, log *slog.Logger) map[string]any {
	switch to {
	case snapshot.APIStyleAnthropic:
		if isResponseShape(doc) {
			return translate.OpenAIResponseToAnthropic(doc, model)
		}
		return translate.OpenAIRequestToAnthropic(doc, log)
	case snapshot.APIStyleGemini:
		if isResponseShape(doc) {
			return translate.OpenAIResponseToGemini(doc)
		}
		return translate.OpenAIRequestToGemini(doc)
	default:
		return doc
	}
}

// isResponseShape distinguishes a request body from a response/chunk body
// well enough to pick the right translate function: requests carry
// "messages" or "contents"; responses carry "choices", "content", or
// "candidates" and no "messages" array.
func isResponseShape(doc map[string]any) bool {
	if _, ok := doc["messages"]; ok {
		return false
	}
	if _, ok := doc["contents"]; ok {
		return false
	}
	if _, ok := doc["choices"]; ok {
		return true
	}
	if _, ok := doc["candidates"]; ok {
		return true
	}
	if _, ok := doc["content"]; ok {
		return true
	}
	return false
}
