package sso

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
)

const embedSuccessTitle = "Success"

var (
	csrfRe   = regexp.MustCompile(`name="_csrf"\s+value="([^"]+)"`)
	ticketRe = regexp.MustCompile(`embed\?ticket=([^"]+)"`)
)

// EmbedFlow drives the browser sign-in widget: two page fetches to
// accumulate cookies, a form POST carrying a CSRF token, and a title
// check on the resulting page. Used as the fallback when the mobile API
// misbehaves, or when selected explicitly.
type EmbedFlow struct {
	domain   string
	clientID string
	baseURL  string
	timeout  time.Duration
}

// EmbedOption defines a function type to modify the EmbedFlow instance.
type EmbedOption func(*EmbedFlow)

// WithEmbedBaseURL overrides the SSO host (primarily for testing).
func WithEmbedBaseURL(baseURL string) EmbedOption {
	return func(f *EmbedFlow) {
		f.baseURL = baseURL
	}
}

// WithEmbedTimeout sets the per-request timeout.
func WithEmbedTimeout(timeout time.Duration) EmbedOption {
	return func(f *EmbedFlow) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// NewEmbedFlow creates the embed-widget ticket source for a region.
func NewEmbedFlow(domain, clientID string, options ...EmbedOption) *EmbedFlow {
	f := &EmbedFlow{
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

func (f *EmbedFlow) Name() string { return SourceEmbed }

// AcquireTicket implements TicketSource for the embed flow.
func (f *EmbedFlow) AcquireTicket(ctx context.Context, creds Credentials, opts Options) (Outcome, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "sso/embed: cookie jar")
	}
	client := &http.Client{Jar: jar, Timeout: f.timeout}

	// The widget landing page and the sign-in page both set cookies the
	// credential POST depends on.
	if _, err := f.get(ctx, client, f.embedURL()); err != nil {
		return Outcome{}, err
	}
	signinPage, err := f.get(ctx, client, f.signinURL())
	if err != nil {
		return Outcome{}, err
	}
	csrf := extractCSRF(signinPage)
	if csrf == "" {
		return Outcome{}, errors.New("sso/embed: no CSRF token on sign-in page")
	}

	page, err := f.postForm(ctx, client, f.signinURL(), url.Values{
		"username": {creds.Email},
		"password": {creds.Password},
		"embed":    {"true"},
		"_csrf":    {csrf},
	})
	if err != nil {
		return Outcome{}, err
	}

	title := pageTitle(page)
	switch {
	case title == embedSuccessTitle:
		ticket, err := extractTicket(page)
		if err != nil {
			return Outcome{}, err
		}
		log.Debug().Str("flow", SourceEmbed).Msg("Sign-in verified")
		return Outcome{Ticket: ticket, Source: SourceEmbed}, nil
	case isMFATitle(title):
		// fall through to the MFA branch below
	case isSigninTitle(title):
		return Outcome{}, interrors.ErrBadCredentials
	default:
		return Outcome{}, errors.Wrapf(interrors.ErrNoTicket, "sso/embed: unexpected page %q", title)
	}

	// The MFA page carries its own CSRF token for the verify POST; keep
	// the sign-in token only if the page omits one.
	if pageCSRF := extractCSRF(page); pageCSRF != "" {
		csrf = pageCSRF
	}
	state := &MFAState{
		ID:           uuid.NewString(),
		Source:       SourceEmbed,
		Domain:       f.domain,
		CSRFToken:    csrf,
		SigninParams: valuesToMap(f.signinParams()),
		Cookies:      cookiesFromJar(jar, f.cookieURL()),
	}
	log.Debug().Str("flow", SourceEmbed).Msg("MFA challenge issued")
	if opts.Suspend {
		return Outcome{Pending: state, Source: SourceEmbed}, nil
	}

	code, err := secondFactor(opts)
	if err != nil {
		return Outcome{}, err
	}
	ticket, err := f.verify(ctx, client, state, code)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Ticket: ticket, Source: SourceEmbed}, nil
}

// ResumeAfterMFA re-enters the verify step with the cookies and CSRF
// token captured at suspension time.
func (f *EmbedFlow) ResumeAfterMFA(ctx context.Context, state *MFAState, code string) (string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", errors.Wrap(err, "sso/embed: cookie jar")
	}
	restoreCookies(jar, f.cookieURL(), state.Cookies)
	client := &http.Client{Jar: jar, Timeout: f.timeout}
	return f.verify(ctx, client, state, code)
}

func (f *EmbedFlow) verify(ctx context.Context, client *http.Client, state *MFAState, code string) (string, error) {
	params := mapToValues(state.SigninParams)
	target := f.baseURL + "/sso/verifyMFA/loginEnterMfaCode?" + params.Encode()
	page, err := f.postForm(ctx, client, target, url.Values{
		"mfa-code": {code},
		"embed":    {"true"},
		"_csrf":    {state.CSRFToken},
		"fromPage": {"setupEnterMfaCode"},
	})
	if err != nil {
		return "", err
	}
	if title := pageTitle(page); title != embedSuccessTitle {
		return "", interrors.ErrBadMFACode
	}
	return extractTicket(page)
}

func (f *EmbedFlow) get(ctx context.Context, client *http.Client, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", errors.Wrap(err, "sso/embed: building request")
	}
	return f.do(client, req)
}

func (f *EmbedFlow) postForm(ctx context.Context, client *http.Client, target string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "sso/embed: building request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", f.signinURL())
	return f.do(client, req)
}

func (f *EmbedFlow) do(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "sso/embed: request failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "sso/embed: reading response")
	}
	if err := detectBotChallenge(string(body)); err != nil {
		return "", err
	}
	return string(body), nil
}

func (f *EmbedFlow) embedURL() string {
	q := url.Values{
		"id":          {f.clientID},
		"embedWidget": {"true"},
		"gauthHost":   {f.baseURL + "/sso"},
	}
	return f.baseURL + "/sso/embed?" + q.Encode()
}

func (f *EmbedFlow) signinParams() url.Values {
	embed := f.baseURL + "/sso/embed"
	return url.Values{
		"id":                              {f.clientID},
		"embedWidget":                     {"true"},
		"gauthHost":                       {embed},
		"service":                         {embed},
		"source":                          {embed},
		"redirectAfterAccountLoginUrl":    {embed},
		"redirectAfterAccountCreationUrl": {embed},
	}
}

func (f *EmbedFlow) signinURL() string {
	return f.baseURL + "/sso/signin?" + f.signinParams().Encode()
}

func (f *EmbedFlow) cookieURL() *url.URL {
	u, _ := url.Parse(f.baseURL)
	return u
}

func extractCSRF(page string) string {
	m := csrfRe.FindStringSubmatch(page)
	if m == nil {
		return ""
	}
	return m[1]
}

func extractTicket(page string) (string, error) {
	m := ticketRe.FindStringSubmatch(page)
	if m == nil {
		return "", interrors.ErrNoTicket
	}
	return m[1], nil
}

func isMFATitle(title string) bool {
	return strings.Contains(strings.ToLower(title), "mfa")
}

func isSigninTitle(title string) bool {
	lowered := strings.ToLower(title)
	return strings.Contains(lowered, "sign in") || strings.Contains(lowered, "authentication")
}

func valuesToMap(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k := range v {
		out[k] = v.Get(k)
	}
	return out
}

func mapToValues(m map[string]string) url.Values {
	out := make(url.Values, len(m))
	for k, v := range m {
		out.Set(k, v)
	}
	return out
}
