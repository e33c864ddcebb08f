package forward

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/arcrelay/forwardcore/internal/snapshot"
	"github.com/arcrelay/forwardcore/internal/translate"
	"github.com/valyala/fasthttp"
)

// UpstreamStream is the minimal shape every provider handler's HandleStream
// needs to read from: a text/event-stream body (OpenAI, Anthropic, and
// Gemini's alt=sse output) or Gemini's bare JSON lines, both exposed as a byte
// reader — the line-framing lives here, once, instead of once per provider.
type UpstreamStream struct {
	Body  io.ReadCloser
	Style snapshot.APIStyle
}

// BridgeSSE owns both halves of the stream at once: it reads upstream
// frames, feeds them through the right stream-state translator when the
// client's ingress style differs from the upstream's wire style, and writes
// client-shaped SSE frames as they're produced — there is no buffering
// stage collecting the whole response in between.
func BridgeSSE(ctx context.Context, fc *Context, up UpstreamStream, ingressStyle snapshot.APIStyle, log *slog.Logger) (io.ReadCloser, error) {
	pr, pw := io.Pipe()

	var fwd frameTranslator
	if up.Style != ingressStyle {
		fwd = newFrameTranslator(up.Style, ingressStyle, fc.Model.ID)
	}

	go func() {
		defer up.Body.Close()
		defer pw.Close()

		scanner := bufio.NewScanner(up.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		var charCount int
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				fc.Usage.MarkCancelled()
				return
			default:
			}

			line := scanner.Bytes()
			payload, ok := extractPayload(up.Style, line)
			if !ok {
				continue
			}
			if bytes.Equal(payload, []byte("[DONE]")) {
				writeTerminal(pw, fwd)
				return
			}

			var frame map[string]any
			if err := json.Unmarshal(payload, &frame); err != nil {
				if log != nil {
					log.Error("stream_frame_parse_failed", slog.String("head", truncate(payload, 200)))
				}
				continue
			}

			if usage, ok := extractFrameUsage(up.Style, frame); ok {
				fc.Usage.SetAuthoritative(usage.PromptTokens, usage.CompletionTokens)
			} else {
				charCount += frameTextLen(up.Style, frame)
				fc.Usage.SetEstimatedCompletionTokens(charCount / 4)
			}

			if fwd == nil {
				writeFrame(pw, payload)
				continue
			}
			for _, out := range fwd.Feed(frame) {
				encoded, err := json.Marshal(out)
				if err != nil {
					continue
				}
				writeFrame(pw, encoded)
			}
		}
		writeTerminal(pw, fwd)
	}()

	return pr, nil
}

func writeFrame(w io.Writer, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func writeTerminal(w io.Writer, fwd frameTranslator) {
	if fwd != nil {
		for _, out := range fwd.Close() {
			if encoded, err := json.Marshal(out); err == nil {
				writeFrame(w, encoded)
			}
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

// extractPayload handles the per-chunk framing: SSE "data: " lines for every
// style, plus bare JSON lines for Gemini. Comments and keep-alives are
// ignored.
func extractPayload(style snapshot.APIStyle, line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if style == snapshot.APIStyleGemini && !bytes.HasPrefix(line, []byte("data:")) {
		if line[0] == '[' || line[0] == ']' || line[0] == ',' {
			return nil, false
		}
		return bytes.TrimSuffix(line, []byte(",")), true
	}
	if bytes.HasPrefix(line, []byte(":")) {
		return nil, false
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(line[len("data:"):]), true
}

func extractFrameUsage(style snapshot.APIStyle, frame map[string]any) (translate.Usage, bool) {
	switch style {
	case snapshot.APIStyleAnthropic:
		return translate.ExtractAnthropicUsage(frame)
	case snapshot.APIStyleGemini:
		return translate.ExtractGeminiUsage(frame)
	default:
		return translate.ExtractOpenAIUsage(frame)
	}
}

func frameTextLen(style snapshot.APIStyle, frame map[string]any) int {
	switch style {
	case snapshot.APIStyleAnthropic:
		delta, _ := frame["delta"].(map[string]any)
		text, _ := delta["text"].(string)
		return len(text)
	case snapshot.APIStyleGemini:
		return 0
	default:
		choices, _ := frame["choices"].([]any)
		if len(choices) == 0 {
			return 0
		}
		choice, _ := choices[0].(map[string]any)
		delta, _ := choice["delta"].(map[string]any)
		content, _ := delta["content"].(string)
		// GLM-style reasoning_content is user-visible output too (§4.4):
		// its bytes count toward the heuristic estimate alongside content.
		reasoning, _ := delta["reasoning_content"].(string)
		return len(content) + len(reasoning)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// WriteSSEHeaders sets the response headers a streaming reply always
// carries.
func WriteSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

type frameTranslator interface {
	Feed(frame map[string]any) []map[string]any
	Close() []map[string]any
}

// composedFrameTranslator chains two stage translators end to end, pivoting
// through the OpenAI-chunk shape the same way translatePivot pivots unary
// bodies through the OpenAI-shaped intermediate: it covers the directions
// where neither side of the stream is OpenAI (anthropic<->gemini), without
// needing a translator written for every one of the six directed pairs.
type composedFrameTranslator struct {
	first  frameTranslator
	second frameTranslator
}

func (c *composedFrameTranslator) Feed(frame map[string]any) []map[string]any {
	var out []map[string]any
	for _, mid := range c.first.Feed(frame) {
		out = append(out, c.second.Feed(mid)...)
	}
	return out
}

func (c *composedFrameTranslator) Close() []map[string]any {
	var out []map[string]any
	for _, mid := range c.first.Close() {
		out = append(out, c.second.Feed(mid)...)
	}
	out = append(out, c.second.Close()...)
	return out
}

// newFrameTranslator covers all six directed pairs among openai, anthropic,
// and gemini: the three where one side is already OpenAI go direct, the
// remaining three (anthropic<->gemini) pivot through an OpenAI-chunk
// intermediate via composedFrameTranslator.
func newFrameTranslator(from, to snapshot.APIStyle, model string) frameTranslator {
	switch {
	case from == snapshot.APIStyleOpenAI && to == snapshot.APIStyleAnthropic:
		return translate.NewOpenAIToAnthropicStream(0)
	case from == snapshot.APIStyleAnthropic && to == snapshot.APIStyleOpenAI:
		return translate.NewAnthropicToOpenAIStream(model)
	case from == snapshot.APIStyleGemini && to == snapshot.APIStyleOpenAI:
		return translate.NewGeminiToOpenAIStream(model)
	case from == snapshot.APIStyleOpenAI && to == snapshot.APIStyleGemini:
		return translate.NewOpenAIToGeminiStream(model)
	case from == snapshot.APIStyleAnthropic && to == snapshot.APIStyleGemini:
		return &composedFrameTranslator{
			first:  translate.NewAnthropicToOpenAIStream(model),
			second: translate.NewOpenAIToGeminiStream(model),
		}
	case from == snapshot.APIStyleGemini && to == snapshot.APIStyleAnthropic:
		return &composedFrameTranslator{
			first:  translate.NewGeminiToOpenAIStream(model),
			second: translate.NewOpenAIToAnthropicStream(0),
		}
	default:
		return nil
	}
}
