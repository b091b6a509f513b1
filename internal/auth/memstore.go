package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store with the same semantics as
// PostgresStore. Every method holds one mutex, so multi-step mutations are
// atomic.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]User
	refresh  map[string]RefreshToken // by id
	resets   map[string]PasswordResetToken
	verifies map[string]EmailVerificationToken
	audit    []AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]User),
		refresh:  make(map[string]RefreshToken),
		resets:   make(map[string]PasswordResetToken),
		verifies: make(map[string]EmailVerificationToken),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == user.Email || u.Username == user.Username {
			return ErrConflict
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) UserExists(_ context.Context, email, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email || u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) MarkUserVerified(_ context.Context, id string) error {
	return s.updateUser(id, func(u *User) { u.Verified = true })
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, id, passwordHash string) error {
	return s.updateUser(id, func(u *User) { u.PasswordHash = passwordHash })
}

func (s *MemoryStore) updateUser(id string, mutate func(u *User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&user)
	user.UpdatedAt = time.Now().UTC()
	s.users[id] = user
	return nil
}

func (s *MemoryStore) CreateRefreshToken(_ context.Context, token RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertRefreshLocked(token)
	return nil
}

func (s *MemoryStore) insertRefreshLocked(token RefreshToken) {
	for id, t := range s.refresh {
		if t.UserID == token.UserID && t.IP == token.IP && t.UserAgent == token.UserAgent && t.Active(token.CreatedAt) {
			t.Revoked = true
			s.refresh[id] = t
		}
	}
	s.refresh[token.ID] = token
}

func (s *MemoryStore) FindRefreshToken(_ context.Context, tokenHash string) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.refresh {
		if t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return RefreshToken{}, ErrNotFound
}

func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldID string, next RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refresh[oldID]; !ok {
		return ErrNotFound
	}
	delete(s.refresh, oldID)
	s.insertRefreshLocked(next)
	return nil
}

func (s *MemoryStore) DeleteRefreshToken(_ context.Context, tokenHash string) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.refresh {
		if t.TokenHash == tokenHash {
			delete(s.refresh, id)
			return t, nil
		}
	}
	return RefreshToken{}, ErrNotFound
}

func (s *MemoryStore) DeleteUserRefreshTokens(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, t := range s.refresh {
		if t.UserID == userID {
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteStaleRefreshTokens(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []RefreshToken
	for _, t := range s.refresh {
		if !t.Active(now) {
			stale = append(stale, t)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	var n int64
	for _, t := range stale {
		if limit > 0 && n >= int64(limit) {
			break
		}
		delete(s.refresh, t.ID)
		n++
	}
	return n, nil
}

func (s *MemoryStore) ReplacePasswordReset(_ context.Context, token PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.resets {
		if t.UserID == token.UserID {
			delete(s.resets, id)
		}
	}
	s.resets[token.ID] = token
	return nil
}

func (s *MemoryStore) FindPasswordReset(_ context.Context, tokenHash string) (PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.resets {
		if t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return PasswordResetToken{}, ErrNotFound
}

func (s *MemoryStore) DeletePasswordReset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resets[id]; !ok {
		return ErrNotFound
	}
	delete(s.resets, id)
	return nil
}

func (s *MemoryStore) DeleteExpiredPasswordResets(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, t := range s.resets {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if t.Expired(now) {
			delete(s.resets, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReplaceEmailVerification(_ context.Context, token EmailVerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.verifies {
		if t.UserID == token.UserID {
			delete(s.verifies, id)
		}
	}
	s.verifies[token.ID] = token
	return nil
}

func (s *MemoryStore) FindEmailVerification(_ context.Context, tokenHash string) (EmailVerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.verifies {
		if t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return EmailVerificationToken{}, ErrNotFound
}

func (s *MemoryStore) DeleteEmailVerification(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.verifies[id]; !ok {
		return ErrNotFound
	}
	delete(s.verifies, id)
	return nil
}

func (s *MemoryStore) DeleteExpiredEmailVerifications(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, t := range s.verifies {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if t.Expired(now) {
			delete(s.verifies, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns a copy of the audit log in append order.
func (s *MemoryStore) AuditEntries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}
