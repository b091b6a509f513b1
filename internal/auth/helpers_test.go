package auth

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"auth-session/internal/observability"
)

const (
	testAccessSecret  = "access-secret-for-tests-0123456789abcdef"
	testRefreshSecret = "refresh-secret-for-tests-0123456789abcdef"
	testAppURL        = "http://app.test"
)

var testClient = ClientInfo{IP: "203.0.113.7", UserAgent: "test-agent/1.0"}

func cheapHasher() *Argon2Hasher {
	return NewArgon2Hasher(Argon2Params{Time: 1, MemoryKiB: 64, Threads: 1})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMail struct {
	Kind string
	To   string
	Link string
}

type captureMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *captureMailer) SendVerificationEmail(_ context.Context, to, link string) error {
	return m.record("verify", to, link)
}

func (m *captureMailer) SendPasswordResetEmail(_ context.Context, to, link string) error {
	return m.record("reset", to, link)
}

func (m *captureMailer) record(kind, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{Kind: kind, To: to, Link: link})
	return m.err
}

func (m *captureMailer) all() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMail, len(m.sent))
	copy(out, m.sent)
	return out
}

// lastToken returns the token query parameter of the newest mail of kind.
func (m *captureMailer) lastToken(t *testing.T, kind string) string {
	t.Helper()
	sent := m.all()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Kind != kind {
			continue
		}
		u, err := url.Parse(sent[i].Link)
		require.NoError(t, err)
		token := u.Query().Get("token")
		require.NotEmpty(t, token)
		return token
	}
	t.Fatalf("no %s mail sent", kind)
	return ""
}

func newTestTokenService(store RefreshTokenStore, clock *fakeClock) *TokenService {
	svc := NewTokenService(store, TokenOptions{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
	})
	if clock != nil {
		svc.now = clock.Now
	}
	return svc
}

func newTestAuditor(store AuditSink) *Auditor {
	return NewAuditor(store, observability.NewNopLogger(), nil)
}

func seedUser(t *testing.T, store *MemoryStore, hasher PasswordHasher, email, username, password string, verified bool) User {
	t.Helper()
	digest, err := hasher.Hash(password)
	require.NoError(t, err)
	user, err := newUser(email, username, digest, time.Now().UTC())
	require.NoError(t, err)
	user.Verified = verified
	require.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func auditEvents(store *MemoryStore) []string {
	entries := store.AuditEntries()
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.Event)
	}
	return events
}
