package auth

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth/internal/mailer"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
)

var uniqueEmail = &pq.Error{Code: "23505", Detail: "Key (email)=(x) already exists."}

type fakeUsers struct {
	mu     sync.Mutex
	byID   map[string]*entity.User
	nextID int
}

var _ Users = (*fakeUsers)(nil)

func (f *fakeUsers) find(email string) *entity.User {
	for _, u := range f.byID {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*entity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.find(email)
	if u == nil {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*entity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) Create(_ context.Context, u *entity.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.find(u.Email) != nil {
		return uniqueEmail
	}
	f.nextID++
	u.ID = fmt.Sprintf("u-%d", f.nextID)
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}

func (f *fakeUsers) Reclaim(_ context.Context, id, name, hash string) (*entity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok || u.IsVerified || u.Provider != entity.ProviderCustom {
		return nil, sql.ErrNoRows
	}
	u.Name = name
	u.PasswordHash = &hash
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) SetVerified(_ context.Context, id string) (*entity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	u.IsVerified = true
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok || u.Provider != entity.ProviderCustom {
		return sql.ErrNoRows
	}
	u.PasswordHash = &hash
	return nil
}

func (f *fakeUsers) UpdateImage(_ context.Context, id, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.Image = &image
	}
	return nil
}

func (f *fakeUsers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeLocations struct {
	mu   sync.Mutex
	rows []entity.Location
}

func (f *fakeLocations) Create(_ context.Context, l *entity.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *l)
	return nil
}

func (f *fakeLocations) UpsertLastLogin(_ context.Context, l *entity.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rows {
		if r.UserID == l.UserID && r.Type == entity.LocationLastLogin {
			f.rows[i] = *l
			return nil
		}
	}
	f.rows = append(f.rows, *l)
	return nil
}

func (f *fakeLocations) byType(typ entity.LocationType) []entity.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.Location
	for _, r := range f.rows {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

type fakeSessionStore struct {
	mu      sync.Mutex
	byToken map[string]*session.Session
	nextID  int
}

func (f *fakeSessionStore) Create(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = fmt.Sprintf("s-%d", f.nextID)
	cp := *s
	f.byToken[s.RefreshToken] = &cp
	return nil
}

func (f *fakeSessionStore) GetByRefreshToken(_ context.Context, tok string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byToken[tok]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) Rotate(_ context.Context, oldTok, newTok string, expiresAt, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byToken[oldTok]
	if !ok || s.Expired(now) {
		return false, nil
	}
	delete(f.byToken, oldTok)
	s.RefreshToken = newTok
	s.ExpiresAt = expiresAt
	f.byToken[newTok] = s
	return true, nil
}

func (f *fakeSessionStore) DeleteByRefreshToken(_ context.Context, tok string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byToken, tok)
	return nil
}

func (f *fakeSessionStore) DeleteByUserID(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for tok, s := range f.byToken {
		if s.UserID == userID {
			delete(f.byToken, tok)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for tok, s := range f.byToken {
		if s.Expired(now) {
			delete(f.byToken, tok)
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) forUser(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.byToken {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

type fakeVerificationStore struct {
	mu     sync.Mutex
	rows   map[string]*verification.Verification
	nextID int
}

func (f *fakeVerificationStore) Replace(_ context.Context, v *verification.Verification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.rows {
		if r.UserID == v.UserID && r.Type == v.Type && r.Platform == v.Platform {
			delete(f.rows, id)
		}
	}
	f.nextID++
	v.ID = fmt.Sprintf("v-%d", f.nextID)
	cp := *v
	f.rows[v.ID] = &cp
	return nil
}

func (f *fakeVerificationStore) GetByToken(_ context.Context, tok string) (*verification.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.Token == tok {
			cp := *r
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeVerificationStore) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	delete(f.rows, id)
	return ok, nil
}

func (f *fakeVerificationStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type outbox struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (o *outbox) Send(_ context.Context, msg mailer.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

var (
	codeRe = regexp.MustCompile(`(\d{6})$`)
	linkRe = regexp.MustCompile(`\?token=([0-9a-f]+)$`)
)

// lastToken extracts the code or link token of the latest email to "to".
func (o *outbox) lastToken(t *testing.T, to string) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.sent) - 1; i >= 0; i-- {
		msg := o.sent[i]
		if msg.To != to {
			continue
		}
		if m := linkRe.FindStringSubmatch(msg.Text); m != nil {
			return m[1]
		}
		if m := codeRe.FindStringSubmatch(msg.Text); m != nil {
			return m[1]
		}
	}
	t.Fatalf("no token mailed to %s", to)
	return ""
}

type testEnv struct {
	svc       *Service
	users     *fakeUsers
	locations *fakeLocations
	sessions  *fakeSessionStore
	mail      *outbox
	tokens    *token.Issuer
}

func newEnv(t *testing.T, mutate ...func(*Deps, *Config)) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	env := &testEnv{
		users:     &fakeUsers{byID: map[string]*entity.User{}},
		locations: &fakeLocations{},
		sessions:  &fakeSessionStore{byToken: map[string]*session.Session{}},
		mail:      &outbox{},
		tokens:    token.NewIssuer(token.Config{Secret: "test-secret", Issuer: "auth-test"}),
	}
	verifications := verification.NewService(
		&fakeVerificationStore{rows: map[string]*verification.Verification{}},
		env.mail,
		verification.Config{FrontendURL: "http://localhost:3000"},
		logger,
	)
	deps := Deps{
		Users:         env.users,
		Locations:     env.locations,
		Sessions:      session.NewManager(env.sessions, time.Hour),
		Verifications: verifications,
		Tokens:        env.tokens,
		Hasher:        user.BcryptHasher{Cost: bcrypt.MinCost},
		Logger:        logger,
	}
	var cfg Config
	for _, m := range mutate {
		m(&deps, &cfg)
	}
	env.svc = NewService(deps, cfg)
	return env
}

// seedUser stores a user directly, bypassing registration.
func (e *testEnv) seedUser(t *testing.T, u entity.User, password string) *entity.User {
	t.Helper()
	if password != "" {
		h, err := user.BcryptHasher{Cost: bcrypt.MinCost}.Hash(password)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		u.PasswordHash = &h
	}
	if u.Provider == "" {
		u.Provider = entity.ProviderCustom
	}
	if u.Role == "" {
		u.Role = entity.RoleUser
	}
	if err := e.users.Create(context.Background(), &u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &u
}
