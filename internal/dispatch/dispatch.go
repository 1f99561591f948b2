// Package dispatch implements the Dispatcher: the HTTP entry point that
// binds an inbound request to the ProviderPool, writes the upstream
// response (JSON or SSE) back to the client, and translates aggregate
// pool failures into the gateway's error body contract.
package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/qwengate/qwengate/internal/accountprovider"
	"github.com/qwengate/qwengate/internal/pool"
)

// Pool is the subset of *pool.Pool the Dispatcher drives.
type Pool interface {
	DispatchChat(ctx context.Context, payload []byte) pool.Outcome
	DispatchSearch(ctx context.Context, query string) pool.Outcome
}

// Dispatcher binds inbound HTTP requests to the pool.
type Dispatcher struct {
	pool Pool
}

// New builds a Dispatcher over pool p.
func New(p Pool) *Dispatcher {
	return &Dispatcher{pool: p}
}

const maxBodyBytes = 8 << 20 // 8MB, generous for chat payloads with history

// HandleChat implements POST /v1/chat/completions.
func (d *Dispatcher) HandleChat(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(payload) > maxBodyBytes {
		writeError(w, http.StatusBadRequest, "request body too large", "")
		return
	}

	outcome := d.pool.DispatchChat(r.Context(), payload)
	if outcome.Result == nil {
		writeOutcomeError(w, outcome)
		return
	}
	writeChatResult(w, outcome.Result)
}

type searchRequest struct {
	Query string `json:"query"`
}

// HandleSearch implements POST /v1/tools/web_search.
func (d *Dispatcher) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing query", "")
		return
	}

	outcome := d.pool.DispatchSearch(r.Context(), req.Query)
	if outcome.Search == nil {
		writeOutcomeError(w, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Search)
}

// writeChatResult copies the upstream response (JSON body or SSE stream,
// post-dedup) straight through to the client.
func writeChatResult(w http.ResponseWriter, result *accountprovider.ChatResult) {
	defer result.Body.Close()

	header := w.Header()
	for key, vals := range result.Header {
		header[key] = vals
	}
	w.WriteHeader(result.StatusCode)

	if !result.Stream {
		if _, err := io.Copy(w, result.Body); err != nil {
			slog.Warn("write chat response body", "error", err)
		}
		return
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := result.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				slog.Warn("write sse chunk", "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			slog.Warn("read sse chunk", "error", err)
			writeSSEError(w, flusher, "upstream stream interrupted")
			return
		}
	}
}

func writeOutcomeError(w http.ResponseWriter, outcome pool.Outcome) {
	body := errorBody{Error: outcome.Error, Details: outcome.Details}
	if outcome.StatusCode == http.StatusServiceUnavailable || outcome.StatusCode == http.StatusInternalServerError {
		body.Attempts = outcome.Attempts
		body.Errors = outcome.Errors
	}
	writeJSON(w, outcome.StatusCode, body)
}

type errorBody struct {
	Error    string   `json:"error"`
	Details  string   `json:"details,omitempty"`
	Attempts int      `json:"attempts,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}
