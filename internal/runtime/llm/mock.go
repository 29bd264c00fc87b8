package llm

import (
	"context"
	"sync/atomic"
)

// MockResponseText is returned by a MockProvider without a custom text.
const MockResponseText = `{"summary": "This is a mock summary."}`

// MockProvider answers every request with canned text and fixed usage of 10
// input and 5 output tokens.
type MockProvider struct {
	Family Family
	Text   string
	Err    error
	calls  atomic.Int64
}

func (m *MockProvider) Name() string { return "mock_" + string(m.Family) }

func (m *MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if m.Err != nil {
		return Response{}, m.Err
	}
	text := m.Text
	if text == "" {
		text = MockResponseText
	}
	return Response{Text: text, InputTokens: 10, OutputTokens: 5, Model: req.Model}, nil
}

// Calls returns how many requests the mock served.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }
