package platform

import (
	"context"
	"sync"

	"github.com/guarzo/carmarket/internal/model"
)

// MockAdapter is a scripted adapter for tests. Fetch results are served
// in order; once the script is exhausted FetchPage returns an empty
// final page.
type MockAdapter struct {
	Name      string
	AuthErr   error
	ParseFunc func(model.RawRecord) ParseOutcome

	mu     sync.Mutex
	script []MockFetch
	calls  int
}

// MockFetch is one scripted FetchPage result.
type MockFetch struct {
	Page *Page
	Err  error
}

// NewMockAdapter creates a mock adapter for the named platform.
func NewMockAdapter(name string, script ...MockFetch) *MockAdapter {
	return &MockAdapter{Name: name, script: script}
}

func (m *MockAdapter) Platform() string { return m.Name }

func (m *MockAdapter) Authenticate(ctx context.Context, sess *model.PlatformSession) error {
	return m.AuthErr
}

func (m *MockAdapter) FetchPage(ctx context.Context, sess *model.PlatformSession, pageToken string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.calls >= len(m.script) {
		return &Page{}, nil
	}
	next := m.script[m.calls]
	m.calls++
	if next.Err != nil {
		return nil, next.Err
	}
	return next.Page, nil
}

// FetchCalls returns how many times FetchPage was invoked.
func (m *MockAdapter) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAdapter) Parse(raw model.RawRecord) ParseOutcome {
	if m.ParseFunc != nil {
		return m.ParseFunc(raw)
	}
	if raw.Fields["title"] == "" || raw.Fields["url"] == "" {
		return Unparseable("missing title or url")
	}
	return Parsed(raw.Fields)
}
