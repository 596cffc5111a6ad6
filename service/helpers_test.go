package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/sentinel/adapters/keyvault"
	"github.com/layer-3/sentinel/adapters/store"
	"github.com/layer-3/sentinel/adapters/tokenizer"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/ports"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []core.AuditEvent
}

func (s *recordingSink) Record(ctx context.Context, event core.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byAction(action string) []core.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.AuditEvent
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeLedger struct {
	mu      sync.Mutex
	bundles []core.ExecutionBundle
	fail    error
	calls   int
	gate    chan struct{}
	entered chan struct{}
}

func (l *fakeLedger) Execute(ctx context.Context, bundle core.ExecutionBundle) error {
	l.mu.Lock()
	l.calls++
	gate, entered := l.gate, l.entered
	l.mu.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.bundles = append(l.bundles, bundle)
	return nil
}

// hold makes every following call block until release is called. entered
// fires when the first blocked call arrives.
func (l *fakeLedger) hold() (entered <-chan struct{}, release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = make(chan struct{})
	l.entered = make(chan struct{}, 1)
	gate := l.gate
	var once sync.Once
	return l.entered, func() { once.Do(func() { close(gate) }) }
}

func (l *fakeLedger) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLedger) setFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *fakeLedger) executed() []core.ExecutionBundle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.ExecutionBundle(nil), l.bundles...)
}

type harness struct {
	t         *testing.T
	clock     *testClock
	store     ports.Store
	vault     ports.KeyVault
	tokenizer ports.Tokenizer
	sink      *recordingSink
	ledger    *fakeLedger
	auth      *AuthService
	quorum    *QuorumService
	messages  *MessageService
}

// newHarness wires every service over the memory store with cheap KDF and
// bcrypt settings. The clock starts 10s into a TOTP step.
func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)}
	vault, err := keyvault.New(keyvault.Params{Time: 1, Memory: 64, Threads: 1})
	require.NoError(t, err)

	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		clock:  clock,
		store:  store.NewMemoryStore(),
		vault:  vault,
		sink:   &recordingSink{},
		ledger: &fakeLedger{},
	}

	opts := []Option{
		WithClock(clock.Now),
		WithBcryptCost(bcrypt.MinCost),
		WithRetry(20, time.Millisecond),
	}
	h.tokenizer = tokenizer.NewJWTTokenizer(signKey, tokenizer.WithClock(clock.Now))

	h.auth, err = NewAuthService(h.store, vault, h.tokenizer, h.sink, zerolog.Nop(), opts...)
	require.NoError(t, err)
	h.quorum = NewQuorumService(h.auth, h.store, h.store, vault, h.ledger, h.sink, zerolog.Nop(), opts...)
	h.messages = NewMessageService(h.auth, h.store, h.store, vault, h.sink, zerolog.Nop(), opts...)

	return h
}

type testUser struct {
	principal  *core.Principal
	enrollment *core.TOTPEnrollment
	password   string
}

func (h *harness) register(username string) *testUser {
	h.t.Helper()
	password := username + "-password"
	p, enrollment, err := h.auth.Register(context.Background(), RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: password,
	})
	require.NoError(h.t, err)
	return &testUser{principal: p, enrollment: enrollment, password: password}
}

// code returns the TOTP code for the step at now+offset
func (h *harness) code(u *testUser, offset time.Duration) string {
	h.t.Helper()
	code, err := totp.GenerateCodeCustom(u.enrollment.Secret, h.clock.Now().Add(offset), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(h.t, err)
	return code
}

func (h *harness) login(u *testUser) string {
	h.t.Helper()
	token, _, err := h.auth.Login(context.Background(), u.principal.Username, u.password, h.code(u, 0))
	require.NoError(h.t, err)
	return token
}

func ids(users ...*testUser) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.principal.ID
	}
	return out
}
