package proxyengine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autorouter/autorouter/internal/domain"
)

// usagePayload is the JSON shape OpenAI chat-completions, Anthropic
// messages, and Codex responses all converge on for final usage
// accounting (spec §4.5 step 5/6), tolerating Anthropic's alternate field
// names via the second set of tags.
type usagePayload struct {
	PromptTokens             int           `json:"prompt_tokens"`
	CompletionTokens         int           `json:"completion_tokens"`
	InputTokens              int           `json:"input_tokens"`
	OutputTokens             int           `json:"output_tokens"`
	CacheReadTokens          int           `json:"cache_read_tokens"`
	CacheWriteTokens         int           `json:"cache_write_tokens"`
	CacheCreationInputTokens int           `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int           `json:"cache_read_input_tokens"`
	Usage                    *usagePayload `json:"usage,omitempty"`
}

func (p usagePayload) toDomain() domain.Usage {
	u := domain.Usage{
		PromptTokens:     firstNonZero(p.PromptTokens, p.InputTokens),
		CompletionTokens: firstNonZero(p.CompletionTokens, p.OutputTokens),
		CacheReadTokens:  firstNonZero(p.CacheReadTokens, p.CacheReadInputTokens),
		CacheWriteTokens: firstNonZero(p.CacheWriteTokens, p.CacheCreationInputTokens),
	}
	return u
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

// parseNonStreamUsage extracts usage from a buffered JSON response body
// (spec §4.5 step 5), tolerating a top-level "usage" object or one
// nested under it (some providers double-wrap).
func parseNonStreamUsage(body []byte) domain.Usage {
	var top usagePayload
	if err := json.Unmarshal(body, &top); err != nil {
		return domain.Usage{}
	}
	if top.Usage != nil {
		if top.Usage.Usage != nil {
			return top.Usage.Usage.toDomain()
		}
		return top.Usage.toDomain()
	}
	return top.toDomain()
}

// StreamResult is what teeStream reports once the upstream stream ends.
type StreamResult struct {
	Usage      domain.Usage
	TTFT       time.Duration
	BytesSent  int64
	Err        error // non-nil on idle-gap timeout or upstream read error
}

// teeStream copies body to w as Server-Sent Events arrive, flushing after
// every event, while scanning each "data: " payload for a trailing usage
// block (spec §4.5 step 6). idleTimeout bounds the gap between
// consecutive bytes once streaming has started; a gap longer than that is
// reported as a stream error rather than silently hanging forever.
func teeStream(w http.ResponseWriter, body io.Reader, idleTimeout time.Duration, started time.Time) StreamResult {
	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReaderSize(body, 64*1024)
	var result StreamResult
	var ttftSet bool
	var lastEventData []byte

	deadlineReader := &idleDeadlineReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(deadlineReader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !ttftSet {
			result.TTFT = time.Since(started)
			ttftSet = true
		}
		result.BytesSent += int64(len(line)) + 1

		if _, err := w.Write(line); err == nil {
			w.Write([]byte("\n"))
		}
		if flusher != nil {
			flusher.Flush()
		}

		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			trimmed := strings.TrimSpace(string(data))
			if trimmed != "" && trimmed != "[DONE]" {
				lastEventData = append([]byte(nil), data...)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		result.Err = err
	}

	if lastEventData != nil {
		result.Usage = parseNonStreamUsage(lastEventData)
	}
	return result
}

// idleDeadlineReader wraps a reader, reporting a timeout error if no byte
// arrives within timeout since the previous Read (spec §4.5 step 4:
// "idle gap >timeout counts as a stream error").
type idleDeadlineReader struct {
	r       io.Reader
	timeout time.Duration
}

type readResult struct {
	n   int
	err error
}

func (d *idleDeadlineReader) Read(p []byte) (int, error) {
	if d.timeout <= 0 {
		return d.r.Read(p)
	}
	ch := make(chan readResult, 1)
	go func() {
		n, err := d.r.Read(p)
		ch <- readResult{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(d.timeout):
		return 0, errIdleTimeout
	}
}
