package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// Mock repositories for testing
type mockAccountRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account
}

func newMockAccountRepo(accounts ...*domain.Account) *mockAccountRepo {
	r := &mockAccountRepo{accounts: make(map[uuid.UUID]*domain.Account)}
	for _, a := range accounts {
		r.accounts[a.OwnerID] = a
	}
	return r
}

func (r *mockAccountRepo) Get(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[ownerID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *mockAccountRepo) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrAccountNotFound
}

func (r *mockAccountRepo) ListConnected(ctx context.Context) ([]*domain.Account, error) {
	return nil, nil
}

func (r *mockAccountRepo) Save(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *account
	r.accounts[account.OwnerID] = &cp
	return nil
}

func (r *mockAccountRepo) UpdateTokens(ctx context.Context, ownerID uuid.UUID, access, refresh string, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[ownerID]
	a.AccessToken, a.RefreshToken, a.TokenExpiry = access, refresh, expiry
	return nil
}

func (r *mockAccountRepo) SetConnected(ctx context.Context, ownerID uuid.UUID, connected bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[ownerID].Connected = connected
	return nil
}

func (r *mockAccountRepo) ClearCredentials(ctx context.Context, ownerID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[ownerID].Disconnect()
	return nil
}

func (r *mockAccountRepo) AdvanceCursor(ctx context.Context, ownerID uuid.UUID, cursor uint64, at time.Time) (bool, error) {
	return false, nil
}

type mockStatusRepo struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]*domain.SyncStatus
}

func (r *mockStatusRepo) GetStatus(ctx context.Context, ownerID uuid.UUID) (*domain.SyncStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.statuses[ownerID]; ok {
		cp := *s
		return &cp, nil
	}
	return domain.NewSyncStatus(ownerID), nil
}

func (r *mockStatusRepo) SaveStatus(ctx context.Context, status *domain.SyncStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[uuid.UUID]*domain.SyncStatus)
	}
	cp := *status
	r.statuses[status.OwnerID] = &cp
	return nil
}

func (r *mockStatusRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.SyncStatus, error) {
	return nil, nil
}

type mockRefresher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (m *mockRefresher) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event *domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.EventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func connectedAccount(expiry time.Time) *domain.Account {
	return &domain.Account{
		OwnerID:      uuid.New(),
		Email:        "owner@example.com",
		Connected:    true,
		AccessToken:  "stale",
		RefreshToken: "refresh",
		TokenExpiry:  expiry,
	}
}

func TestGetValidToken_ReturnsStoredTokenOutsideMargin(t *testing.T) {
	acc := connectedAccount(time.Now().Add(10 * time.Minute))
	refresher := &mockRefresher{}
	m := NewTokenManager(newMockAccountRepo(acc), &mockStatusRepo{}, refresher, nil, time.Minute)

	tok, err := m.GetValidToken(context.Background(), acc.OwnerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.AccessToken != "stale" {
		t.Errorf("expected stored token, got %s", tok.AccessToken)
	}
	if refresher.calls.Load() != 0 {
		t.Errorf("expected no refresh, got %d", refresher.calls.Load())
	}
}

func TestGetValidToken_RefreshesWithinMargin(t *testing.T) {
	acc := connectedAccount(time.Now().Add(30 * time.Second))
	repo := newMockAccountRepo(acc)
	refresher := &mockRefresher{}
	m := NewTokenManager(repo, &mockStatusRepo{}, refresher, nil, time.Minute)

	tok, err := m.GetValidToken(context.Background(), acc.OwnerID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Errorf("expected refreshed token, got %s", tok.AccessToken)
	}
	if tok.RefreshToken != "refresh" {
		t.Errorf("expected refresh token kept, got %q", tok.RefreshToken)
	}
	stored, _ := repo.Get(context.Background(), acc.OwnerID)
	if stored.AccessToken != "fresh" {
		t.Errorf("expected refreshed token persisted, got %s", stored.AccessToken)
	}
}

func TestGetValidToken_DisconnectedIsAuthExpired(t *testing.T) {
	acc := connectedAccount(time.Now().Add(time.Hour))
	acc.Connected = false
	m := NewTokenManager(newMockAccountRepo(acc), &mockStatusRepo{}, &mockRefresher{}, nil, time.Minute)

	_, err := m.GetValidToken(context.Background(), acc.OwnerID)
	if !domain.IsAuthExpired(err) {
		t.Errorf("expected auth expired, got %v", err)
	}
}

func TestRefresh_RevokedGrantDisconnects(t *testing.T) {
	acc := connectedAccount(time.Now().Add(-time.Minute))
	repo := newMockAccountRepo(acc)
	statuses := &mockStatusRepo{}
	events := &recordingPublisher{}
	refresher := &mockRefresher{
		err: out.NewProviderError("gmail", out.ProviderErrTokenExpired, "invalid_grant", errors.New("oauth2: invalid_grant"), false),
	}
	m := NewTokenManager(repo, statuses, refresher, events, time.Minute)

	_, err := m.GetValidToken(context.Background(), acc.OwnerID)
	if !domain.IsAuthExpired(err) {
		t.Fatalf("expected auth expired, got %v", err)
	}
	if !errors.Is(err, domain.ErrRefreshFailed) {
		t.Errorf("expected ErrRefreshFailed in chain, got %v", err)
	}

	stored, _ := repo.Get(context.Background(), acc.OwnerID)
	if stored.Connected {
		t.Error("expected account disconnected")
	}
	status, _ := statuses.GetStatus(context.Background(), acc.OwnerID)
	if status.LastErrorClass != domain.ErrClassAuthExpired {
		t.Errorf("expected auth_expired status, got %s", status.LastErrorClass)
	}
	if !status.NextRetryAt.IsZero() {
		t.Error("expected no retry scheduled for auth failures")
	}
	types := events.types()
	if len(types) != 1 || types[0] != domain.EventAccountDisconnected {
		t.Errorf("expected account_disconnected event, got %v", types)
	}
}

func TestRefresh_TransientKeepsConnection(t *testing.T) {
	acc := connectedAccount(time.Now().Add(-time.Minute))
	repo := newMockAccountRepo(acc)
	refresher := &mockRefresher{
		err: out.NewProviderError("gmail", out.ProviderErrServer, "backend error", nil, true),
	}
	m := NewTokenManager(repo, &mockStatusRepo{}, refresher, nil, time.Minute)

	_, err := m.Refresh(context.Background(), acc.OwnerID)
	if domain.ClassOf(err) != domain.ErrClassTransient {
		t.Errorf("expected transient, got %s", domain.ClassOf(err))
	}
	stored, _ := repo.Get(context.Background(), acc.OwnerID)
	if !stored.Connected {
		t.Error("expected account to stay connected")
	}
}

func TestRefresh_SingleFlight(t *testing.T) {
	acc := connectedAccount(time.Now().Add(-time.Minute))
	refresher := &mockRefresher{delay: 150 * time.Millisecond}
	m := NewTokenManager(newMockAccountRepo(acc), &mockStatusRepo{}, refresher, nil, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Refresh(context.Background(), acc.OwnerID); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := refresher.calls.Load(); n != 1 {
		t.Errorf("expected 1 provider refresh, got %d", n)
	}
}

func TestClear(t *testing.T) {
	acc := connectedAccount(time.Now().Add(time.Hour))
	repo := newMockAccountRepo(acc)
	events := &recordingPublisher{}
	m := NewTokenManager(repo, &mockStatusRepo{}, &mockRefresher{}, events, time.Minute)

	if err := m.Clear(context.Background(), acc.OwnerID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := repo.Get(context.Background(), acc.OwnerID)
	if stored.Connected || stored.AccessToken != "" || stored.RefreshToken != "" {
		t.Errorf("expected credentials nulled, got %+v", stored)
	}
	connected, _ := m.IsConnected(context.Background(), acc.OwnerID)
	if connected {
		t.Error("expected IsConnected false after clear")
	}
}

func TestConnect_ResetsCursorForNewMailbox(t *testing.T) {
	acc := connectedAccount(time.Now().Add(time.Hour))
	acc.HistoryCursor = 500
	repo := newMockAccountRepo(acc)
	m := NewTokenManager(repo, &mockStatusRepo{}, &mockRefresher{}, nil, time.Minute)
	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}

	same, err := m.Connect(context.Background(), acc.OwnerID, acc.Email, tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if same.HistoryCursor != 500 {
		t.Errorf("expected cursor kept on reconnect, got %d", same.HistoryCursor)
	}

	other, _ := m.Connect(context.Background(), acc.OwnerID, "other@example.com", tok)
	if other.HistoryCursor != 0 {
		t.Errorf("expected cursor reset for new mailbox, got %d", other.HistoryCursor)
	}

	fresh, _ := m.Connect(context.Background(), uuid.New(), "new@example.com", tok)
	if !fresh.Connected || fresh.Provider != domain.ProviderGmail {
		t.Errorf("expected new connected gmail account, got %+v", fresh)
	}
}
