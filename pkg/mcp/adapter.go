// Package mcp speaks the Model Context Protocol to tool provider
// processes over newline-delimited JSON-RPC.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	protocolVersion = "2024-11-05"

	initializeTimeout = 15 * time.Second
	callTimeout       = 30 * time.Second
)

// ErrNotRunning is returned when a call is made against an adapter whose
// provider process is not alive.
var ErrNotRunning = errors.New("tool provider is not running")

// ErrNotDelivered marks failures where the request never reached the
// provider, so retrying cannot duplicate a side effect.
var ErrNotDelivered = errors.New("request was not delivered")

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Tool is a single callable exposed by a provider. InputSchema is kept raw
// so callers can validate arguments against it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Result is the outcome of a tool call. IsError marks provider-reported
// failures that should be surfaced to the model rather than the operator.
type Result struct {
	Content string
	IsError bool
}

// Adapter manages one tool provider connection: handshake, tool listing
// and calls, with response correlation by request id.
type Adapter struct {
	name      string
	transport Transport

	mu      sync.Mutex
	writer  io.WriteCloser
	alive   bool
	nextID  int
	pending map[int]chan *rpcResponse
}

// NewAdapter creates an adapter for a named provider. Start must be called
// before any other method.
func NewAdapter(name string, transport Transport) *Adapter {
	return &Adapter{
		name:      name,
		transport: transport,
		pending:   make(map[int]chan *rpcResponse),
	}
}

// Name returns the provider name the adapter was created with.
func (a *Adapter) Name() string {
	return a.name
}

// Start launches the transport and performs the initialize handshake.
func (a *Adapter) Start(ctx context.Context) error {
	writer, reader, err := a.transport.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start provider %s: %w", a.name, err)
	}

	a.mu.Lock()
	a.writer = writer
	a.alive = true
	a.mu.Unlock()

	go a.readLoop(reader)

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	_, err = a.call(initCtx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "concierge",
			"version": "1.0.0",
		},
	})
	if err != nil {
		a.Stop()
		return fmt.Errorf("initialize handshake with %s failed: %w", a.name, err)
	}

	if err := a.notify("notifications/initialized", nil); err != nil {
		a.Stop()
		return fmt.Errorf("initialized notification to %s failed: %w", a.name, err)
	}

	log.Info().
		Str("provider", a.name).
		Msg("Tool provider connected")
	return nil
}

// Alive reports whether the provider connection is usable.
func (a *Adapter) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

// ListTools fetches the provider's tool catalog.
func (a *Adapter) ListTools(ctx context.Context) ([]Tool, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := a.call(callCtx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("tools/list failed for %s: %w", a.name, err)
	}

	var parsed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse tool catalog from %s: %w", a.name, err)
	}
	return parsed.Tools, nil
}

// CallTool invokes a named tool with the given arguments and returns the
// textual result.
func (a *Adapter) CallTool(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := a.call(callCtx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse result of %s from %s: %w", name, a.name, err)
	}

	var sb strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return &Result{Content: sb.String(), IsError: parsed.IsError}, nil
}

// Stop terminates the provider connection. Pending calls fail with
// ErrNotRunning.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.alive {
		a.mu.Unlock()
		return
	}
	a.alive = false
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if err := a.transport.Stop(); err != nil {
		log.Warn().
			Err(err).
			Str("provider", a.name).
			Msg("Failed to stop tool provider")
	}
}

func (a *Adapter) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	a.mu.Lock()
	if !a.alive {
		a.mu.Unlock()
		return nil, ErrNotRunning
	}
	a.nextID++
	id := a.nextID
	ch := make(chan *rpcResponse, 1)
	a.pending[id] = ch
	writer := a.writer
	a.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		a.discard(id)
		return nil, err
	}

	if _, err := writer.Write(append(payload, '\n')); err != nil {
		a.discard(id)
		return nil, fmt.Errorf("failed to write to provider %s: %v: %w", a.name, err, ErrNotDelivered)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotRunning
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("provider %s returned error %d: %s", a.name, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		a.discard(id)
		return nil, fmt.Errorf("call to provider %s timed out: %w", a.name, ctx.Err())
	}
}

func (a *Adapter) notify(method string, params interface{}) error {
	a.mu.Lock()
	writer := a.writer
	alive := a.alive
	a.mu.Unlock()
	if !alive {
		return ErrNotRunning
	}

	payload, err := json.Marshal(rpcNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	_, err = writer.Write(append(payload, '\n'))
	return err
}

func (a *Adapter) discard(id int) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *Adapter) readLoop(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().
				Str("provider", a.name).
				Msg("Skipping non-JSON line from provider")
			continue
		}
		if resp.ID == 0 && resp.Result == nil && resp.Error == nil {
			// Notification from the provider, nothing to correlate.
			continue
		}

		a.mu.Lock()
		ch, ok := a.pending[resp.ID]
		if ok {
			delete(a.pending, resp.ID)
		}
		a.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	a.mu.Lock()
	wasAlive := a.alive
	a.alive = false
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if wasAlive {
		log.Warn().
			Str("provider", a.name).
			Msg("Tool provider connection closed")
	}
}
