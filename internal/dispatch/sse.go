package dispatch

import "net/http"

// Pre-allocated byte slices for SSE formatting, avoiding heap allocations on
// the streaming hot path.
var (
	sseNewline = []byte("\n\n")
)

// writeSSEError writes an SSE error event so a client mid-stream learns the
// upstream read failed instead of silently receiving a truncated response.
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, msg string) {
	w.Write([]byte("event: error\ndata: "))
	w.Write([]byte(`{"error":{"message":"`))
	w.Write([]byte(msg))
	w.Write([]byte(`","type":"stream_error"}}`))
	w.Write(sseNewline)
	if flusher != nil {
		flusher.Flush()
	}
}
