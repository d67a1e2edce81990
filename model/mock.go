package model

import (
	"context"
	"sync"
)

// MockTurn scripts one StreamChat response for MockModel.
type MockTurn struct {
	// Text is streamed to onDelta in DeltaSize pieces, then returned in
	// the final Response.
	Text string

	// Reasoning is streamed as reasoning deltas before the text.
	Reasoning string

	// ToolCalls are returned on the final Response.
	ToolCalls []ToolCall

	// Err, if set, is returned instead of a response.
	Err error
}

// MockModel is a scripted ChatModel for tests. Each StreamChat call
// consumes the next turn; when the script runs out, the last turn repeats.
//
//	mock := &model.MockModel{Turns: []model.MockTurn{
//	    {ToolCalls: []model.ToolCall{{ID: "t1", Name: "search", Input: in}}},
//	    {Text: "done"},
//	}}
type MockModel struct {
	Turns []MockTurn

	// DeltaSize is the chunk size for streamed text. Zero streams the
	// whole text as one delta.
	DeltaSize int

	// Calls records every request for assertion.
	Calls []Request

	mu   sync.Mutex
	next int
}

// StreamChat implements ChatModel.
func (m *MockModel) StreamChat(ctx context.Context, req Request, onDelta func(Chunk)) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	var turn MockTurn
	if len(m.Turns) == 0 {
		turn = MockTurn{}
	} else if m.next < len(m.Turns) {
		turn = m.Turns[m.next]
		m.next++
	} else {
		turn = m.Turns[len(m.Turns)-1]
	}
	size := m.DeltaSize
	m.mu.Unlock()

	if turn.Err != nil {
		return Response{}, turn.Err
	}

	stream := func(text string, reasoning bool) error {
		if text == "" || onDelta == nil {
			return nil
		}
		if size <= 0 {
			size = len(text)
		}
		for start := 0; start < len(text); start += size {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := start + size
			if end > len(text) {
				end = len(text)
			}
			if reasoning {
				onDelta(Chunk{ReasoningDelta: text[start:end]})
			} else {
				onDelta(Chunk{TextDelta: text[start:end]})
			}
		}
		return nil
	}

	if err := stream(turn.Reasoning, true); err != nil {
		return Response{}, err
	}
	if err := stream(turn.Text, false); err != nil {
		return Response{}, err
	}

	return Response{
		Text:      turn.Text,
		Reasoning: turn.Reasoning,
		ToolCalls: turn.ToolCalls,
	}, nil
}

// CallCount returns how many StreamChat calls were made.
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent request, or false if none were made.
func (m *MockModel) LastCall() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return Request{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}
