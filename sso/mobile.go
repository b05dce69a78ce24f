package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
)

// Mobile API response statuses.
const (
	mobileStatusInvalidCredentials = "INVALID_USERNAME_PASSWORD"
	mobileStatusAccountLocked      = "ACCOUNT_LOCKED"
	mobileStatusMFARequired        = "MFA_REQUIRED"
	mobileStatusInvalidMFACode     = "INVALID_MFA_CODE"
	mobileStatusSessionExpired     = "MFA_SESSION_EXPIRED"
)

// MobileFlow drives the JSON sign-in API used by the vendor's mobile
// apps: a cookie-establishing GET, a credential POST, and conditionally
// an MFA verification POST.
type MobileFlow struct {
	domain   string
	clientID string
	baseURL  string
	timeout  time.Duration
}

// MobileOption defines a function type to modify the MobileFlow instance.
type MobileOption func(*MobileFlow)

// WithMobileBaseURL overrides the SSO host (primarily for testing).
func WithMobileBaseURL(baseURL string) MobileOption {
	return func(f *MobileFlow) {
		f.baseURL = baseURL
	}
}

// WithMobileTimeout sets the per-request timeout.
func WithMobileTimeout(timeout time.Duration) MobileOption {
	return func(f *MobileFlow) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// NewMobileFlow creates the mobile-API ticket source for a region.
func NewMobileFlow(domain, clientID string, options ...MobileOption) *MobileFlow {
	f := &MobileFlow{
		domain:   domain,
		clientID: clientID,
		baseURL:  "https://sso." + domain,
		timeout:  DefaultTimeout,
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *MobileFlow) Name() string { return SourceMobile }

type mobileResponse struct {
	ServiceTicketID string `json:"serviceTicketId"`
	ResponseStatus  struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"responseStatus"`
	CustomerMfaInfo struct {
		DefaultMFAMethod string `json:"defaultMfaMethod"`
	} `json:"customerMfaInfo"`
}

// AcquireTicket implements TicketSource for the mobile flow.
func (f *MobileFlow) AcquireTicket(ctx context.Context, creds Credentials, opts Options) (Outcome, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "sso/mobile: cookie jar")
	}
	client := &http.Client{Jar: jar, Timeout: f.timeout}

	// Unauthenticated GET establishes the session cookie the login POST
	// requires.
	if err := f.establishSession(ctx, client); err != nil {
		return Outcome{}, err
	}

	resp, err := f.postJSON(ctx, client, f.loginURL(), map[string]any{
		"username":   creds.Email,
		"password":   creds.Password,
		"rememberMe": false,
	})
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case resp.ServiceTicketID != "":
		log.Debug().Str("flow", SourceMobile).Msg("Sign-in verified")
		return Outcome{Ticket: resp.ServiceTicketID, Source: SourceMobile}, nil
	case resp.ResponseStatus.Type == mobileStatusInvalidCredentials,
		resp.ResponseStatus.Type == mobileStatusAccountLocked:
		return Outcome{}, interrors.ErrBadCredentials
	case resp.ResponseStatus.Type == mobileStatusMFARequired:
		// fall through to the MFA branch below
	default:
		return Outcome{}, errors.Wrapf(interrors.ErrNoTicket, "sso/mobile: status %q", resp.ResponseStatus.Type)
	}

	state := &MFAState{
		ID:        uuid.NewString(),
		Source:    SourceMobile,
		Domain:    f.domain,
		MFAMethod: resp.CustomerMfaInfo.DefaultMFAMethod,
		Cookies:   cookiesFromJar(jar, f.cookieURL()),
	}
	log.Debug().Str("flow", SourceMobile).Str("method", state.MFAMethod).Msg("MFA challenge issued")
	if opts.Suspend {
		return Outcome{Pending: state, Source: SourceMobile}, nil
	}

	code, err := secondFactor(opts)
	if err != nil {
		return Outcome{}, err
	}
	ticket, err := f.verify(ctx, client, code)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Ticket: ticket, Source: SourceMobile}, nil
}

// ResumeAfterMFA re-enters the verify step with the cookies captured at
// suspension time.
func (f *MobileFlow) ResumeAfterMFA(ctx context.Context, state *MFAState, code string) (string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", errors.Wrap(err, "sso/mobile: cookie jar")
	}
	restoreCookies(jar, f.cookieURL(), state.Cookies)
	client := &http.Client{Jar: jar, Timeout: f.timeout}
	return f.verify(ctx, client, code)
}

func (f *MobileFlow) verify(ctx context.Context, client *http.Client, code string) (string, error) {
	resp, err := f.postJSON(ctx, client, f.verifyURL(), map[string]any{
		"mfaCode":  code,
		"fromPage": "login",
	})
	if err != nil {
		return "", err
	}
	switch {
	case resp.ServiceTicketID != "":
		return resp.ServiceTicketID, nil
	case resp.ResponseStatus.Type == mobileStatusInvalidMFACode,
		resp.ResponseStatus.Type == mobileStatusSessionExpired:
		return "", interrors.ErrBadMFACode
	default:
		return "", errors.Wrapf(interrors.ErrNoTicket, "sso/mobile: verify status %q", resp.ResponseStatus.Type)
	}
}

func (f *MobileFlow) establishSession(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.loginURL(), nil)
	if err != nil {
		return errors.Wrap(err, "sso/mobile: building session request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sso/mobile: establishing session")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return detectBotChallenge(string(body))
}

func (f *MobileFlow) postJSON(ctx context.Context, client *http.Client, target string, payload map[string]any) (*mobileResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "sso/mobile: encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "sso/mobile: building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "sso/mobile: request failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "sso/mobile: reading response")
	}
	if err := detectBotChallenge(string(body)); err != nil {
		return nil, err
	}

	var parsed mobileResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrapf(err, "sso/mobile: unexpected response (status %d)", resp.StatusCode)
	}
	return &parsed, nil
}

func (f *MobileFlow) loginURL() string {
	q := url.Values{"clientId": {f.clientID}, "service": {serviceCallback}}
	return f.baseURL + "/mobile-api/login?" + q.Encode()
}

func (f *MobileFlow) verifyURL() string {
	return f.baseURL + "/mobile-api/verifyMFA"
}

func (f *MobileFlow) cookieURL() *url.URL {
	u, _ := url.Parse(f.baseURL)
	return u
}
