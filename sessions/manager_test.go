package sessions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfit-tools/fitcloud-cli/credentials"
	"github.com/openfit-tools/fitcloud-cli/internal/config"
	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
	"github.com/openfit-tools/fitcloud-cli/sessions"
	"github.com/openfit-tools/fitcloud-cli/sso"
)

// fakeExchanger records the exchange calls the manager makes.
type fakeExchanger struct {
	preauthCalls  int
	exchangeCalls int
	lastTicket    string
	lastSource    string
	preauthErr    error
	exchangeErr   error
}

func (f *fakeExchanger) Preauthorize(_ context.Context, ticket, source string) (*credentials.OAuth1Token, error) {
	f.preauthCalls++
	f.lastTicket = ticket
	f.lastSource = source
	if f.preauthErr != nil {
		return nil, f.preauthErr
	}
	return &credentials.OAuth1Token{Token: "o1-" + ticket, Secret: "s1", Domain: "fitcloud.com"}, nil
}

func (f *fakeExchanger) Exchange(_ context.Context, o1 *credentials.OAuth1Token) (*credentials.OAuth2Token, error) {
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &credentials.OAuth2Token{
		AccessToken:  "access-" + o1.Token,
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Unix() + 3600,
	}, nil
}

// fakeFlow satisfies sso.TicketSource with a scripted outcome.
type fakeFlow struct {
	name    string
	outcome sso.Outcome
	err     error
	calls   int
}

func (f *fakeFlow) Name() string { return f.name }

func (f *fakeFlow) AcquireTicket(context.Context, sso.Credentials, sso.Options) (sso.Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

func (f *fakeFlow) ResumeAfterMFA(context.Context, *sso.MFAState, string) (string, error) {
	f.calls++
	return f.outcome.Ticket, f.err
}

func testConfig(dir string) *config.Settings {
	return &config.Settings{
		Email:       "john.doe@example.com",
		Password:    "password123",
		Domain:      "fitcloud.com",
		Strategy:    sso.StrategyMobile,
		MFAFallback: "none",
		CacheDir:    dir,
	}
}

func newTestManager(t *testing.T, store *sessions.Store, flow *fakeFlow, exchanger *fakeExchanger, options ...sessions.ManagerOption) *sessions.Manager {
	t.Helper()
	dir := ""
	if store != nil {
		dir = store.Dir()
	}
	flows := sso.Flows{Mobile: flow, Embed: &fakeFlow{name: sso.SourceEmbed}}
	manager, err := sessions.NewManager(testConfig(dir), store, flows, exchanger, options...)
	require.NoError(t, err)
	return manager
}

func TestNewManagerValidation(t *testing.T) {
	_, err := sessions.NewManager(nil, nil, sso.Flows{}, &fakeExchanger{})
	require.Error(t, err)

	_, err = sessions.NewManager(testConfig(""), nil, sso.Flows{}, nil)
	require.Error(t, err)
}

func TestEnsureSessionCachedFresh(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	require.NoError(t, store.Save(testSession()))

	flow := &fakeFlow{name: sso.SourceMobile}
	exchanger := &fakeExchanger{}
	manager := newTestManager(t, store, flow, exchanger)

	out, err := manager.EnsureSession(context.Background(), sessions.LoginOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.Session)
	require.Equal(t, "o1", out.Session.OAuth1.Token)
	require.Zero(t, flow.calls, "a fresh cached session must not touch the network")
	require.Zero(t, exchanger.exchangeCalls)
}

func TestEnsureSessionExpiredRefreshes(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	stale := testSession()
	stale.OAuth2.ExpiresAt = time.Now().Unix() - 10
	require.NoError(t, store.Save(stale))

	flow := &fakeFlow{name: sso.SourceMobile}
	exchanger := &fakeExchanger{}
	manager := newTestManager(t, store, flow, exchanger)

	out, err := manager.EnsureSession(context.Background(), sessions.LoginOptions{})
	require.NoError(t, err)
	require.Equal(t, "access-o1", out.Session.OAuth2.AccessToken)
	require.Zero(t, flow.calls, "refresh must reuse the stored credential, not re-authenticate")
	require.Zero(t, exchanger.preauthCalls)
	require.Equal(t, 1, exchanger.exchangeCalls)

	// The refreshed bearer replaces the stale one on disk.
	reloaded := store.Load("fitcloud.com")
	require.NotNil(t, reloaded)
	require.Equal(t, "access-o1", reloaded.OAuth2.AccessToken)
}

func TestEnsureSessionRefreshFailureFallsBackToLogin(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	stale := testSession()
	stale.OAuth2.ExpiresAt = time.Now().Unix() - 10
	require.NoError(t, store.Save(stale))

	flow := &fakeFlow{name: sso.SourceMobile, outcome: sso.Outcome{Ticket: "T1", Source: sso.SourceMobile}}
	exchanger := &fakeExchanger{exchangeErr: interrors.ErrMalformedGrant}
	manager := newTestManager(t, store, flow, exchanger)

	_, err := manager.EnsureSession(context.Background(), sessions.LoginOptions{})
	require.Error(t, err)
	require.Equal(t, 1, flow.calls, "a failed refresh must fall back to a full login")
	require.Equal(t, "T1", exchanger.lastTicket)
}

func TestEnsureSessionFullLogin(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	flow := &fakeFlow{name: sso.SourceMobile, outcome: sso.Outcome{Ticket: "T1", Source: sso.SourceMobile}}
	exchanger := &fakeExchanger{}
	manager := newTestManager(t, store, flow, exchanger)

	out, err := manager.EnsureSession(context.Background(), sessions.LoginOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.Session)
	require.Equal(t, "T1", exchanger.lastTicket, "the acquired ticket drives the redemption")
	require.Equal(t, sso.SourceMobile, exchanger.lastSource)
	require.Equal(t, 1, exchanger.preauthCalls)
	require.Equal(t, 1, exchanger.exchangeCalls)
	require.True(t, store.Exists(), "a completed login must be persisted")
}

func TestEnsureSessionMFASuspend(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	pending := &sso.MFAState{ID: "mfa-1", Source: sso.SourceMobile, Domain: "fitcloud.com"}
	flow := &fakeFlow{name: sso.SourceMobile, outcome: sso.Outcome{Pending: pending, Source: sso.SourceMobile}}
	exchanger := &fakeExchanger{}
	manager := newTestManager(t, store, flow, exchanger)

	out, err := manager.EnsureSession(context.Background(), sessions.LoginOptions{Suspend: true})
	require.NoError(t, err)
	require.Nil(t, out.Session)
	require.NotNil(t, out.Pending)
	require.Zero(t, exchanger.preauthCalls, "a suspended login must not reach the exchange")
	require.NotNil(t, store.LoadMFAState(), "the bundle must be persisted for the resume invocation")
}

func TestEnsureSessionNoSecondFactor(t *testing.T) {
	flow := &fakeFlow{name: sso.SourceMobile, err: interrors.ErrNoSecondFactor}
	manager := newTestManager(t, nil, flow, &fakeExchanger{})

	_, err := manager.EnsureSession(context.Background(), sessions.LoginOptions{})
	require.ErrorIs(t, err, interrors.ErrMFARequired)
}

func TestRefreshBypassesFreshness(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	require.NoError(t, store.Save(testSession()))

	flow := &fakeFlow{name: sso.SourceMobile}
	exchanger := &fakeExchanger{}
	manager := newTestManager(t, store, flow, exchanger)

	session, err := manager.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-o1", session.OAuth2.AccessToken)
	require.Equal(t, 1, exchanger.exchangeCalls, "a still-fresh cache must not short-circuit a forced refresh")
	require.Zero(t, flow.calls)
}

func TestRefreshWindowClosedForcesLogin(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	stale := testSession()
	stale.OAuth2.ExpiresAt = time.Now().Unix() - 10
	stale.OAuth2.RefreshTokenExpiresAt = time.Now().Unix() - 10
	require.NoError(t, store.Save(stale))

	flow := &fakeFlow{name: sso.SourceMobile, outcome: sso.Outcome{Ticket: "T5", Source: sso.SourceMobile}}
	exchanger := &fakeExchanger{}
	manager := newTestManager(t, store, flow, exchanger)

	out, err := manager.EnsureSession(context.Background(), sessions.LoginOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.Session)
	require.Equal(t, 1, flow.calls, "a closed refresh window requires a new sign-in")
	require.Equal(t, "T5", exchanger.lastTicket)
}

func TestResumeLogin(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	flow := &fakeFlow{name: sso.SourceMobile, outcome: sso.Outcome{Ticket: "T9"}}
	exchanger := &fakeExchanger{}
	manager := newTestManager(t, store, flow, exchanger)

	state := &sso.MFAState{ID: "mfa-1", Source: sso.SourceMobile, Domain: "fitcloud.com"}
	session, err := manager.ResumeLogin(context.Background(), state, "123456")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, "T9", exchanger.lastTicket)
	require.Equal(t, 1, flow.calls)
	require.True(t, store.Exists())
}

func TestLogout(t *testing.T) {
	store := sessions.NewStore(t.TempDir())
	require.NoError(t, store.Save(testSession()))
	require.NoError(t, store.SaveMFAState(&sso.MFAState{ID: "mfa-1", Source: sso.SourceMobile}))

	manager := newTestManager(t, store, &fakeFlow{name: sso.SourceMobile}, &fakeExchanger{})
	require.NoError(t, manager.Logout())
	require.False(t, store.Exists())
	require.Nil(t, store.LoadMFAState())
	require.NoError(t, manager.Logout())
}
