// Package streamdedup wraps a chat-completions SSE response body and drops
// adjacent-duplicate delta.content events, a quirk observed in Qwen's
// streaming responses where the same content fragment is occasionally
// emitted twice in a row.
package streamdedup

import (
	"bufio"
	"bytes"
	"io"

	"github.com/tidwall/gjson"
)

const eventSeparator = "\n\n"

// Dedup adapts an upstream SSE body into a deduplicated SSE body. It
// satisfies accountprovider.StreamDedup.
type Dedup struct{}

// New returns a Dedup ready to wrap response bodies.
func New() *Dedup { return &Dedup{} }

// NewReader wraps src, returning an io.ReadCloser whose bytes are the same
// SSE stream with adjacent-duplicate delta.content events removed. Closing
// the returned reader closes src.
func (Dedup) NewReader(src io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go runDedup(src, pw)
	return &pipeReadCloser{PipeReader: pr, src: src}
}

type pipeReadCloser struct {
	*io.PipeReader
	src io.ReadCloser
}

func (p *pipeReadCloser) Close() error {
	_ = p.PipeReader.Close()
	return p.src.Close()
}

// runDedup reads src event-by-event (an "event" being everything up to a
// blank line, the SSE record boundary) and writes each through to pw unless
// it is a data event whose delta.content exactly repeats the previous one.
func runDedup(src io.ReadCloser, pw *io.PipeWriter) {
	defer src.Close()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 4096), 256*1024)
	scanner.Split(splitOnBlankLine)

	lastContent := ""
	haveLast := false

	for scanner.Scan() {
		event := scanner.Bytes()
		out, content, isDelta := processEvent(event)
		if isDelta {
			if haveLast && content != "" && content == lastContent {
				continue
			}
			lastContent = content
			haveLast = true
		}
		if _, err := pw.Write(out); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		_ = pw.CloseWithError(err)
		return
	}
	_ = pw.Close()
}

// processEvent inspects one raw SSE event (without its trailing blank line)
// and returns the bytes to emit (with the separator re-appended), the
// delta.content it carries if any, and whether it is a content-bearing data
// event eligible for dedup.
func processEvent(event []byte) (out []byte, content string, isDelta bool) {
	out = append(append([]byte{}, event...), []byte(eventSeparator)...)

	data, ok := dataPayload(event)
	if !ok || string(bytes.TrimSpace(data)) == "[DONE]" {
		return out, "", false
	}

	result := gjson.GetBytes(data, "choices.0.delta.content")
	if !result.Exists() || result.Type != gjson.String {
		return out, "", false
	}
	return out, result.String(), true
}

// dataPayload extracts the payload of a "data: " line from an SSE event
// that may also carry an "event: " line and other fields.
func dataPayload(event []byte) ([]byte, bool) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		if rest, ok := cutPrefix(line, []byte("data:")); ok {
			return bytes.TrimPrefix(rest, []byte(" ")), true
		}
	}
	return nil, false
}

func cutPrefix(line, prefix []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, prefix) {
		return nil, false
	}
	return line[len(prefix):], true
}

// splitOnBlankLine is a bufio.SplitFunc that yields tokens delimited by
// "\n\n", stripping the separator, and flushes any unterminated trailing
// bytes at EOF.
func splitOnBlankLine(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(eventSeparator)); i >= 0 {
		return i + len(eventSeparator), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
