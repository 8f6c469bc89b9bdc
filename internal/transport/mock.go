package transport

import (
	"context"
	"sync"

	"github.com/salonkit/salonsync/internal/models"
)

// MockTransport is a scriptable Transport for tests.
type MockTransport struct {
	mu sync.Mutex

	PushFunc    func(ctx context.Context, req *models.PushRequest) (*models.PushResponse, error)
	PullFunc    func(ctx context.Context, req *models.PullRequest) (*models.PullResponse, error)
	ResolveFunc func(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResponse, error)

	PushRequests    []*models.PushRequest
	PullRequests    []*models.PullRequest
	ResolveRequests []*models.ResolveRequest
}

// NewMockTransport creates an empty mock; unscripted calls succeed with
// empty responses.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Push(ctx context.Context, req *models.PushRequest) (*models.PushResponse, error) {
	m.mu.Lock()
	m.PushRequests = append(m.PushRequests, req)
	fn := m.PushFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &models.PushResponse{Success: true}, nil
}

func (m *MockTransport) Pull(ctx context.Context, req *models.PullRequest) (*models.PullResponse, error) {
	m.mu.Lock()
	m.PullRequests = append(m.PullRequests, req)
	fn := m.PullFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &models.PullResponse{}, nil
}

func (m *MockTransport) Resolve(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResponse, error) {
	m.mu.Lock()
	m.ResolveRequests = append(m.ResolveRequests, req)
	fn := m.ResolveFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &models.ResolveResponse{Success: true}, nil
}

func (m *MockTransport) Close() error { return nil }

// PushCount returns how many push batches were attempted.
func (m *MockTransport) PushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PushRequests)
}

// PullCount returns how many pull pages were requested.
func (m *MockTransport) PullCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PullRequests)
}
