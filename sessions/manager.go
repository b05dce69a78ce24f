package sessions

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/openfit-tools/fitcloud-cli/credentials"
	"github.com/openfit-tools/fitcloud-cli/internal/config"
	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
	"github.com/openfit-tools/fitcloud-cli/sso"
)

// Exchanger is the credential-exchange dependency of the Manager,
// satisfied by *exchange.Exchanger.
type Exchanger interface {
	Preauthorize(ctx context.Context, ticket, source string) (*credentials.OAuth1Token, error)
	Exchange(ctx context.Context, o1 *credentials.OAuth1Token) (*credentials.OAuth2Token, error)
}

// Outcome is the tagged result of EnsureSession: either a usable session
// or a suspended MFA bundle the caller must resolve, never both.
type Outcome struct {
	Session *credentials.Session
	Pending *sso.MFAState
}

// LoginOptions adjusts one EnsureSession call.
type LoginOptions struct {
	// MFACode is a pre-supplied second factor.
	MFACode string

	// Suspend asks for the MFA-pending bundle instead of a code when a
	// second factor is demanded.
	Suspend bool
}

// Manager is the session orchestration entry point. It loads the cached
// session, refreshes or re-authenticates as needed, and never hands a
// stale session to a caller.
type Manager struct {
	cfg        config.Config
	store      *Store
	flows      sso.Flows
	exchanger  Exchanger
	margin     time.Duration
	promptFunc func() (string, error)
}

// ManagerOption defines a function type to modify the Manager instance.
type ManagerOption func(*Manager)

// WithExpiryMargin sets the freshness margin applied to the bearer
// credential.
func WithExpiryMargin(margin time.Duration) ManagerOption {
	return func(m *Manager) {
		m.margin = margin
	}
}

// WithPromptFunc sets the interactive second-factor source. Nil means
// non-interactive.
func WithPromptFunc(promptFunc func() (string, error)) ManagerOption {
	return func(m *Manager) {
		m.promptFunc = promptFunc
	}
}

// NewManager initializes a Manager. store may be nil when no cache
// directory is configured; sessions are then held in memory only.
func NewManager(cfg config.Config, store *Store, flows sso.Flows, exchanger Exchanger, options ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("[NewManager] config is required")
	}
	if exchanger == nil {
		return nil, errors.New("[NewManager] exchanger is required")
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		flows:     flows,
		exchanger: exchanger,
		margin:    credentials.DefaultExpiryMargin,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// EnsureSession returns a fresh session, refreshing or re-authenticating
// as needed. When a second factor is demanded and opts.Suspend is set,
// the pending bundle is persisted and returned; without suspension and
// with no code source available, ErrMFARequired surfaces so callers can
// tell "needs a second factor" from "credentials rejected".
func (m *Manager) EnsureSession(ctx context.Context, opts LoginOptions) (Outcome, error) {
	if m.store != nil {
		if cached := m.store.Load(m.cfg.GetDomain()); cached != nil {
			if cached.Fresh(m.margin) {
				return Outcome{Session: cached}, nil
			}
			session, err := m.refresh(ctx, cached)
			if err == nil {
				return Outcome{Session: session}, nil
			}
			log.Debug().Err(err).Msg("Refresh failed, falling back to full login")
		}
	}
	return m.fullLogin(ctx, opts)
}

// Refresh produces a fresh session regardless of what the cache says,
// for callers whose requests came back unauthorized with a token that
// still looked fresh. It tries the refresh-only exchange first and falls
// back to a full login; a login that suspends on MFA surfaces
// ErrMFARequired.
func (m *Manager) Refresh(ctx context.Context) (*credentials.Session, error) {
	if m.store != nil {
		if cached := m.store.Load(m.cfg.GetDomain()); cached != nil {
			session, err := m.refresh(ctx, cached)
			if err == nil {
				return session, nil
			}
			log.Debug().Err(err).Msg("Refresh failed, falling back to full login")
		}
	}
	out, err := m.fullLogin(ctx, LoginOptions{})
	if err != nil {
		return nil, err
	}
	if out.Pending != nil {
		return nil, interrors.ErrMFARequired
	}
	return out.Session, nil
}

// ResumeLogin re-enters the flow that produced a suspended bundle,
// completes the exchange, and persists the session. The caller discards
// the bundle afterwards; this function deliberately does not delete it.
func (m *Manager) ResumeLogin(ctx context.Context, state *sso.MFAState, code string) (*credentials.Session, error) {
	flow, err := m.flows.ForState(state)
	if err != nil {
		return nil, err
	}
	ticket, err := flow.ResumeAfterMFA(ctx, state, code)
	if err != nil {
		return nil, err
	}
	out, err := m.completeLogin(ctx, ticket, state.Source)
	if err != nil {
		return nil, err
	}
	return out.Session, nil
}

// Logout removes the persisted session and any suspended MFA bundle.
func (m *Manager) Logout() error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Clear(); err != nil {
		return err
	}
	return m.store.ClearMFAState()
}

// refresh re-runs the bearer exchange with the stored OAuth1 credential;
// no new ticket is needed.
func (m *Manager) refresh(ctx context.Context, cached *credentials.Session) (*credentials.Session, error) {
	if cached.OAuth2.RefreshTokenExpiresAt > 0 && cached.OAuth2.RefreshExpired() {
		return nil, interrors.ErrSessionExpired
	}
	o2, err := m.exchanger.Exchange(ctx, cached.OAuth1)
	if err != nil {
		return nil, err
	}
	session := &credentials.Session{OAuth1: cached.OAuth1, OAuth2: o2, Domain: cached.Domain}
	if m.store != nil {
		if err := m.store.Save(session); err != nil {
			return nil, err
		}
	}
	log.Debug().Msg("Session refreshed")
	return session, nil
}

func (m *Manager) fullLogin(ctx context.Context, opts LoginOptions) (Outcome, error) {
	source, err := m.flows.ForStrategy(m.cfg.GetStrategy(), m.cfg.GetMFAFallback())
	if err != nil {
		return Outcome{}, err
	}

	out, err := source.AcquireTicket(ctx, sso.Credentials{
		Email:    m.cfg.GetEmail(),
		Password: m.cfg.GetPassword(),
	}, sso.Options{
		MFACode:    opts.MFACode,
		PromptFunc: m.promptFunc,
		Suspend:    opts.Suspend,
	})
	if err != nil {
		if errors.Is(err, interrors.ErrNoSecondFactor) {
			return Outcome{}, interrors.ErrMFARequired
		}
		return Outcome{}, err
	}

	if out.Pending != nil {
		if m.store != nil {
			if err := m.store.SaveMFAState(out.Pending); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{Pending: out.Pending}, nil
	}
	return m.completeLogin(ctx, out.Ticket, out.Source)
}

func (m *Manager) completeLogin(ctx context.Context, ticket, source string) (Outcome, error) {
	o1, err := m.exchanger.Preauthorize(ctx, ticket, source)
	if err != nil {
		return Outcome{}, err
	}
	o2, err := m.exchanger.Exchange(ctx, o1)
	if err != nil {
		return Outcome{}, err
	}

	session := &credentials.Session{OAuth1: o1, OAuth2: o2, Domain: m.cfg.GetDomain()}
	if m.store != nil {
		if err := m.store.Save(session); err != nil {
			return Outcome{}, err
		}
	}
	log.Info().Str("domain", session.Domain).Msg("Signed in")
	return Outcome{Session: session}, nil
}
