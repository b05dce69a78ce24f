// Package sso drives the vendor's single-sign-on surface to obtain a
// service ticket. Two flows exist: a mobile JSON API and a browser embed
// widget. Both end in the same place (an opaque, single-use ticket) and
// both can suspend on a multi-factor challenge.
package sso

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
)

// Flow source discriminators stored in MFAState.
const (
	SourceMobile = "mobile"
	SourceEmbed  = "embed"
)

// Strategy names accepted by configuration.
const (
	StrategyAuto   = "auto"
	StrategyMobile = "mobile"
	StrategyEmbed  = "embed"
)

// DefaultTimeout bounds each SSO and exchange HTTP call.
const DefaultTimeout = 15 * time.Second

// serviceCallback is the fixed "service" parameter the SSO surface
// requires on mobile-API requests.
const serviceCallback = "fitcloud-connect-mobile://oauth"

// Credentials are the user's sign-in inputs.
type Credentials struct {
	Email    string
	Password string
}

// Options adjusts one ticket acquisition.
type Options struct {
	// MFACode is a pre-supplied second factor (from configuration).
	MFACode string

	// PromptFunc obtains a second factor interactively. Nil when the
	// caller is non-interactive.
	PromptFunc func() (string, error)

	// Suspend returns the MFA-pending bundle instead of obtaining a
	// code, so the login can resume in a later invocation.
	Suspend bool
}

// Cookie is the serializable subset of an HTTP cookie needed to resume a
// suspended flow.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// MFAState is everything needed to resume a suspended login once a
// second factor is available. It is persisted by the token store and
// must never be reused after a successful resume.
type MFAState struct {
	// ID uniquely identifies this suspension.
	ID string `json:"id"`

	// Source names the flow that produced the state (mobile or embed);
	// the resume must re-enter the same flow.
	Source string `json:"source"`

	// Domain is the service region the sign-in targeted.
	Domain string `json:"domain"`

	// MFAMethod is the delivery channel for the second factor
	// (email, sms, voice). Mobile flow only.
	MFAMethod string `json:"mfa_method,omitempty"`

	// CSRFToken is the sign-in page's cross-site-request-forgery token.
	// Embed flow only.
	CSRFToken string `json:"csrf_token,omitempty"`

	// SigninParams are the original sign-in query parameters, replayed
	// on the verify request. Embed flow only.
	SigninParams map[string]string `json:"signin_params,omitempty"`

	// Cookies accumulated before the suspension.
	Cookies []Cookie `json:"cookies"`
}

// Outcome is the tagged result of a ticket acquisition: exactly one of
// Ticket or Pending is set. Source names the flow that produced it,
// which matters under the auto strategy.
type Outcome struct {
	Ticket  string
	Pending *MFAState
	Source  string
}

// TicketSource is implemented by both SSO flows.
type TicketSource interface {
	// Name returns the flow's source discriminator.
	Name() string

	// AcquireTicket runs the flow from the start. It returns a ticket,
	// an MFA-pending bundle, or an error.
	AcquireTicket(ctx context.Context, creds Credentials, opts Options) (Outcome, error)

	// ResumeAfterMFA re-enters the flow's verify step with a saved
	// bundle and a second-factor code, returning the ticket.
	ResumeAfterMFA(ctx context.Context, state *MFAState, code string) (string, error)
}

// Flows bundles the two concrete flows for strategy selection and MFA
// resumption.
type Flows struct {
	Mobile TicketSource
	Embed  TicketSource
}

// NewFlows builds both flows for a region.
func NewFlows(domain, clientID string, timeout time.Duration) Flows {
	return Flows{
		Mobile: NewMobileFlow(domain, clientID, WithMobileTimeout(timeout)),
		Embed:  NewEmbedFlow(domain, clientID, WithEmbedTimeout(timeout)),
	}
}

// ForStrategy returns the TicketSource for a configured strategy name.
// mfaFallback resolves what "auto" does when the mobile flow needs a
// second factor no code source can supply: "none" surfaces the condition,
// "embed" retries the embed flow.
func (f Flows) ForStrategy(strategy, mfaFallback string) (TicketSource, error) {
	switch strategy {
	case StrategyMobile:
		return f.Mobile, nil
	case StrategyEmbed:
		return f.Embed, nil
	case StrategyAuto, "":
		return &autoFlow{mobile: f.Mobile, embed: f.Embed, mfaFallback: mfaFallback}, nil
	default:
		return nil, errors.Wrapf(interrors.ErrUnknownStrategy, "%q", strategy)
	}
}

// ForState returns the flow that produced a suspended bundle.
func (f Flows) ForState(state *MFAState) (TicketSource, error) {
	switch state.Source {
	case SourceMobile:
		return f.Mobile, nil
	case SourceEmbed:
		return f.Embed, nil
	default:
		return nil, errors.Errorf("sso: unknown MFA state source %q", state.Source)
	}
}

// autoFlow tries the mobile flow first and falls back to the embed flow.
// Confirmed bad-credentials, bad-MFA-code, and bot-challenge outcomes
// propagate immediately; falling back on those would re-submit rejected
// credentials or mask an actionable failure.
type autoFlow struct {
	mobile      TicketSource
	embed       TicketSource
	mfaFallback string
}

func (a *autoFlow) Name() string { return StrategyAuto }

func (a *autoFlow) AcquireTicket(ctx context.Context, creds Credentials, opts Options) (Outcome, error) {
	out, err := a.mobile.AcquireTicket(ctx, creds, opts)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, interrors.ErrBadCredentials) ||
		errors.Is(err, interrors.ErrBadMFACode) ||
		errors.Is(err, interrors.ErrBotChallenge) {
		return Outcome{}, err
	}
	if errors.Is(err, interrors.ErrNoSecondFactor) && a.mfaFallback != StrategyEmbed {
		return Outcome{}, err
	}
	return a.embed.AcquireTicket(ctx, creds, opts)
}

func (a *autoFlow) ResumeAfterMFA(ctx context.Context, state *MFAState, code string) (string, error) {
	flow := a.mobile
	if state.Source == SourceEmbed {
		flow = a.embed
	}
	return flow.ResumeAfterMFA(ctx, state, code)
}

// secondFactor resolves a code from the options, preferring the
// configured code over the interactive prompt.
func secondFactor(opts Options) (string, error) {
	if opts.MFACode != "" {
		return opts.MFACode, nil
	}
	if opts.PromptFunc != nil {
		code, err := opts.PromptFunc()
		if err != nil {
			return "", errors.Wrap(err, "sso: reading MFA code")
		}
		return strings.TrimSpace(code), nil
	}
	return "", interrors.ErrNoSecondFactor
}

var botChallengeMarkers = []string{
	"captcha",
	"request unsuccessful",
	"access denied",
	"pardon our interruption",
}

// detectBotChallenge spots bot-mitigation interstitials in a response
// body. These are terminal and must not be mistaken for bad credentials.
func detectBotChallenge(body string) error {
	lowered := strings.ToLower(body)
	for _, marker := range botChallengeMarkers {
		if strings.Contains(lowered, marker) {
			return interrors.ErrBotChallenge
		}
	}
	return nil
}

var titleRe = regexp.MustCompile(`<title>([^<]*)</title>`)

// pageTitle extracts the HTML title of a response body, empty when none.
func pageTitle(body string) string {
	m := titleRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// cookiesFromJar flattens a cookie jar into the serializable bundle form.
func cookiesFromJar(jar http.CookieJar, u *url.URL) []Cookie {
	var out []Cookie
	for _, c := range jar.Cookies(u) {
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out
}

// restoreCookies rebuilds a jar's contents from a saved bundle.
func restoreCookies(jar http.CookieJar, u *url.URL, cookies []Cookie) {
	restored := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		restored = append(restored, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	jar.SetCookies(u, restored)
}
