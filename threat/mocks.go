package threat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"warden/core"
)

// mockBehavior injects latency and failures into the in-memory stores
type mockBehavior struct {
	mu    sync.RWMutex
	delay time.Duration
	err   error
	calls atomic.Int64
}

// SetDelay makes every call wait d (or until its context ends)
func (m *mockBehavior) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// SetError makes every call fail with err; nil restores normal behaviour
func (m *mockBehavior) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls returns how many lookups reached the store
func (m *mockBehavior) Calls() int64 {
	return m.calls.Load()
}

func (m *mockBehavior) before(ctx context.Context) error {
	m.calls.Add(1)
	m.mu.RLock()
	delay, err := m.delay, m.err
	m.mu.RUnlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// MockIdentityStore is an in-memory IdentityStore for tests and replays
type MockIdentityStore struct {
	mockBehavior
	data     sync.RWMutex
	users    map[string]*core.UserSnapshot
	sessions map[string]*core.SessionContext
}

// NewMockIdentityStore creates an empty store
func NewMockIdentityStore() *MockIdentityStore {
	return &MockIdentityStore{
		users:    make(map[string]*core.UserSnapshot),
		sessions: make(map[string]*core.SessionContext),
	}
}

// AddUser registers a user snapshot
func (m *MockIdentityStore) AddUser(u *core.UserSnapshot) {
	m.data.Lock()
	m.users[u.ID] = u
	m.data.Unlock()
}

// AddSession registers a session
func (m *MockIdentityStore) AddSession(s *core.SessionContext) {
	m.data.Lock()
	m.sessions[s.ID] = s
	m.data.Unlock()
}

func (m *MockIdentityStore) GetUser(ctx context.Context, userID string) (*core.UserSnapshot, error) {
	if err := m.before(ctx); err != nil {
		return nil, err
	}
	m.data.RLock()
	defer m.data.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return u, nil
}

func (m *MockIdentityStore) GetSession(ctx context.Context, sessionID string) (*core.SessionContext, error) {
	if err := m.before(ctx); err != nil {
		return nil, err
	}
	m.data.RLock()
	defer m.data.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return s, nil
}

// MockReputationStore is an in-memory IPReputationStore
type MockReputationStore struct {
	mockBehavior
	data      sync.RWMutex
	known     map[string]bool
	countries map[string]string
}

// NewMockReputationStore creates an empty store
func NewMockReputationStore() *MockReputationStore {
	return &MockReputationStore{
		known:     make(map[string]bool),
		countries: make(map[string]string),
	}
}

// SetIP records reputation and geography for an address
func (m *MockReputationStore) SetIP(ip string, known bool, country string) {
	m.data.Lock()
	m.known[ip] = known
	m.countries[ip] = country
	m.data.Unlock()
}

func (m *MockReputationStore) IsKnownIP(ctx context.Context, ip string) (bool, error) {
	if err := m.before(ctx); err != nil {
		return false, err
	}
	m.data.RLock()
	defer m.data.RUnlock()
	return m.known[ip], nil
}

func (m *MockReputationStore) GetGeography(ctx context.Context, ip string) (string, error) {
	if err := m.before(ctx); err != nil {
		return "", err
	}
	m.data.RLock()
	defer m.data.RUnlock()
	return m.countries[ip], nil
}

// MockLoginHistory is an in-memory LoginHistory
type MockLoginHistory struct {
	mockBehavior
	data   sync.RWMutex
	logins map[string][]core.LoginRecord
}

// NewMockLoginHistory creates an empty history
func NewMockLoginHistory() *MockLoginHistory {
	return &MockLoginHistory{logins: make(map[string][]core.LoginRecord)}
}

// AddLogin prepends a login so that records stay newest first
func (m *MockLoginHistory) AddLogin(userID string, rec core.LoginRecord) {
	m.data.Lock()
	m.logins[userID] = append([]core.LoginRecord{rec}, m.logins[userID]...)
	m.data.Unlock()
}

func (m *MockLoginHistory) RecentLogins(ctx context.Context, userID string, limit int) ([]core.LoginRecord, error) {
	if err := m.before(ctx); err != nil {
		return nil, err
	}
	m.data.RLock()
	defer m.data.RUnlock()
	all := m.logins[userID]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]core.LoginRecord, len(all))
	copy(out, all)
	return out, nil
}
