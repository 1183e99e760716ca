// Package runner submits the session document to the execution endpoint and
// fans the result out to the room, so passive observers see the same output
// without re-running.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

// ErrInFlight is returned when Execute is called while a previous run has
// not completed. The guard is local only; two different participants may
// still run concurrently, and the later result wins everywhere.
var ErrInFlight = errors.New("runner: execution already in flight")

// Emitter sends one event over the session transport.
type Emitter interface {
	Emit(event string, data any) error
}

// Coordinator issues execution requests for one participant.
type Coordinator struct {
	client    *http.Client
	endpoint  string
	emitter   Emitter
	projectID string
	logger    *slog.Logger

	mu        sync.Mutex
	executing bool
	last      *protocol.ExecutionResult
}

// New creates a Coordinator posting to endpoint (the /api/execute URL).
func New(endpoint string, emitter Emitter, projectID string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		client:    &http.Client{Timeout: 30 * time.Second},
		endpoint:  endpoint,
		emitter:   emitter,
		projectID: projectID,
		logger:    logger,
	}
}

// Execute runs code remotely and broadcasts the result. Only one execution
// may be in flight per client; re-entrant calls return ErrInFlight without
// touching the network. Request failures are captured into the result's
// Error field and still broadcast, so peers see the failure rather than a
// stale output.
func (c *Coordinator) Execute(ctx context.Context, code, language string) (protocol.ExecutionResult, error) {
	c.mu.Lock()
	if c.executing {
		c.mu.Unlock()
		return protocol.ExecutionResult{}, ErrInFlight
	}
	c.executing = true
	c.mu.Unlock()

	start := time.Now()
	result := c.post(ctx, code, language)
	result.ExecutionTime = time.Since(start).Seconds()

	c.mu.Lock()
	c.last = &result
	c.executing = false
	c.mu.Unlock()

	msg := protocol.OutputChanged{ProjectID: c.projectID, Output: result}
	if err := c.emitter.Emit(protocol.EventOutputChanged, msg); err != nil {
		c.logger.Warn("emit output", "error", err)
	}
	return result, nil
}

func (c *Coordinator) post(ctx context.Context, code, language string) protocol.ExecutionResult {
	body, err := json.Marshal(protocol.ExecuteRequest{Code: code, Language: language})
	if err != nil {
		return protocol.ExecutionResult{Error: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return protocol.ExecutionResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return protocol.ExecutionResult{Error: fmt.Sprintf("execution request failed: %v", err)}
	}
	defer resp.Body.Close()

	var result protocol.ExecutionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return protocol.ExecutionResult{Error: fmt.Sprintf("malformed execution response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK && result.Error == "" {
		result.Error = fmt.Sprintf("execution service returned %s", resp.Status)
	}
	return result
}

// ApplyRemote records a peer's broadcast result. Later arrivals overwrite
// earlier ones for all clients.
func (c *Coordinator) ApplyRemote(result protocol.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &result
}

// LastOutput returns the most recently observed result, local or remote.
func (c *Coordinator) LastOutput() *protocol.ExecutionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	out := *c.last
	return &out
}

// Executing reports whether a run is currently in flight.
func (c *Coordinator) Executing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}
