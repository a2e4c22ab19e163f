package handlers

import (
	"context"
	"time"

	"floodguard/internal/flood"
)

// MockFloodService implements FloodService with overridable functions.
type MockFloodService struct {
	LookupFunc        func(ctx context.Context, subject string) (flood.LookupResult, error)
	ResetSubjectFunc  func(ctx context.Context, subject string) error
	ResetSubjectCalls []string
}

func (m *MockFloodService) Lookup(ctx context.Context, subject string) (flood.LookupResult, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, subject)
	}
	return flood.LookupResult{Subject: subject}, nil
}

func (m *MockFloodService) ResetSubject(ctx context.Context, subject string) error {
	m.ResetSubjectCalls = append(m.ResetSubjectCalls, subject)
	if m.ResetSubjectFunc != nil {
		return m.ResetSubjectFunc(ctx, subject)
	}
	return nil
}

// MockAuditLister implements AuditLister with overridable functions.
type MockAuditLister struct {
	ListFunc           func(ctx context.Context, limit int) ([]flood.AuditEntry, error)
	ListForSubjectFunc func(ctx context.Context, subject string, limit int) ([]flood.AuditEntry, error)
}

func (m *MockAuditLister) List(ctx context.Context, limit int) ([]flood.AuditEntry, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, limit)
	}
	return nil, nil
}

func (m *MockAuditLister) ListForSubject(ctx context.Context, subject string, limit int) ([]flood.AuditEntry, error) {
	if m.ListForSubjectFunc != nil {
		return m.ListForSubjectFunc(ctx, subject, limit)
	}
	return nil, nil
}

// MockResolver implements SubjectResolver with an overridable function.
type MockResolver struct {
	ResolveFunc func(ctx context.Context, username string) (string, error)
}

func (m *MockResolver) ResolveUsername(ctx context.Context, username string) (string, error) {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, username)
	}
	return "t2_" + username, nil
}

type staticFeedStatus bool

func (s staticFeedStatus) IsConnected() bool { return bool(s) }

// TestContext bundles a handler with its mocks.
type TestContext struct {
	Handler  *Handler
	Service  *MockFloodService
	Audit    *MockAuditLister
	Resolver *MockResolver
}

// NewTestContext creates a handler wired to fresh mocks.
func NewTestContext() *TestContext {
	tc := &TestContext{
		Service:  &MockFloodService{},
		Audit:    &MockAuditLister{},
		Resolver: &MockResolver{},
	}
	tc.Handler = New(tc.Service, tc.Audit, tc.Resolver, staticFeedStatus(true))
	return tc
}

// SampleAuditEntries returns a fixed audit trail for snapshot tests.
func SampleAuditEntries() []flood.AuditEntry {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return []flood.AuditEntry{
		{
			Subject:     "t2_user1",
			SubjectName: "espresso_fan",
			Action:      flood.AuditActionMute,
			Detail:      "72 hours",
			At:          base.Add(2 * time.Minute),
		},
		{
			Subject:     "t2_user1",
			SubjectName: "espresso_fan",
			Action:      flood.AuditActionWarn,
			At:          base,
		},
	}
}
