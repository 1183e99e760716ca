package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

// executeHandler forwards POST /api/execute to the configured execution
// engine and shapes its reply into an ExecutionResult. Failures come back
// in the result's Error field with status 200; the HTTP call itself only
// fails on malformed requests.
type executeHandler struct {
	executorURL string
	client      *http.Client
	logger      *slog.Logger
}

func newExecuteHandler(executorURL string, logger *slog.Logger) *executeHandler {
	return &executeHandler{
		executorURL: executorURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

func (h *executeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result := h.run(r, req)
	result.ExecutionTime = time.Since(start).Seconds()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *executeHandler) run(r *http.Request, req protocol.ExecuteRequest) protocol.ExecutionResult {
	if h.executorURL == "" {
		return protocol.ExecutionResult{Error: "no execution engine configured"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return protocol.ExecutionResult{Error: err.Error()}
	}
	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.executorURL, bytes.NewReader(body))
	if err != nil {
		return protocol.ExecutionResult{Error: err.Error()}
	}
	upstream.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(upstream)
	if err != nil {
		h.logger.Warn("execution engine unreachable", "error", err)
		return protocol.ExecutionResult{Error: fmt.Sprintf("execution engine unreachable: %v", err)}
	}
	defer resp.Body.Close()

	var result protocol.ExecutionResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return protocol.ExecutionResult{Error: fmt.Sprintf("malformed engine response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK && result.Error == "" {
		result.Error = fmt.Sprintf("execution engine returned %s", resp.Status)
	}
	return result
}
