package provider

import (
	"context"
	"sync"
)

// MockClient is a scripted test implementation of Client.
//
// It provides:
//   - Configurable response sequences
//   - Per-call error injection for retry testing
//   - Call history capture
//   - Thread-safe operation
//
// Example usage:
//
//	mock := &MockClient{
//	    Responses: []Response{{Text: "First"}, {Text: "Second"}},
//	}
//	out, err := mock.Complete(ctx, req)
//	// Returns "First", then "Second" on subsequent calls
//
// Example with a transient failure before success:
//
//	mock := &MockClient{
//	    Responses: []Response{{Text: "OK"}},
//	    Errs:      []error{errors.New("connection reset"), nil},
//	}
type MockClient struct {
	// Responses is the sequence of responses to return. When consumed, the
	// last response repeats.
	Responses []Response

	// Err, if set, is returned by every call. Takes precedence over Errs.
	Err error

	// Errs is a per-call error script: entry i is returned by call i (nil
	// means success). Calls beyond the script succeed.
	Errs []error

	// ChunkSize controls how Stream splits response text when no explicit
	// chunk script is given. Zero means 8 runes per chunk.
	ChunkSize int

	// Calls records every invocation in order.
	Calls []MockCall

	mu        sync.Mutex
	respIndex int
	callIndex int
}

// MockCall records a single Complete or Stream invocation.
type MockCall struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Streaming   bool
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	resp, err := m.next(req, false)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Stream implements Client, splitting the scripted response text into
// chunks.
func (m *MockClient) Stream(ctx context.Context, req Request, emit func(Chunk) error) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	resp, err := m.next(req, true)
	if err != nil {
		return Response{}, err
	}

	size := m.ChunkSize
	if size <= 0 {
		size = 8
	}
	runes := []rune(resp.Text)
	index := 0
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if err := emit(Chunk{Text: string(runes[start:end]), Index: index}); err != nil {
			return Response{}, err
		}
		index++
	}
	return resp, nil
}

func (m *MockClient) next(req Request, streaming bool) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{
		Model:       req.Model,
		Messages:    append([]Message(nil), req.Messages...),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Streaming:   streaming,
	})
	call := m.callIndex
	m.callIndex++

	if m.Err != nil {
		return Response{}, m.Err
	}
	if call < len(m.Errs) && m.Errs[call] != nil {
		return Response{}, m.Errs[call]
	}

	if len(m.Responses) == 0 {
		return Response{}, nil
	}
	idx := m.respIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.respIndex++
	}
	resp := m.Responses[idx]
	if resp.Usage == (Usage{}) {
		// Synthesize plausible usage so budget/ledger paths are exercised.
		resp.Usage = Usage{
			InputTokens:  totalLength(req.Messages) / 4,
			OutputTokens: len(resp.Text) / 4,
		}
	}
	return resp, nil
}

// Reset clears the call history and response cursor.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.respIndex = 0
	m.callIndex = 0
}

// CallCount returns the number of recorded calls.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent call, or a zero MockCall when none.
func (m *MockClient) LastCall() MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return MockCall{}
	}
	return m.Calls[len(m.Calls)-1]
}

func totalLength(messages []Message) int {
	n := 0
	for _, msg := range messages {
		n += len(msg.Content)
	}
	return n
}

var _ Client = (*MockClient)(nil)
