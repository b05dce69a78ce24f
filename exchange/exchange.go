// Package exchange redeems a service ticket for the long-lived OAuth1
// credential and exchanges that into the short-lived bearer pair. Both
// calls are signed with the one-time-use OAuth header from package
// oauth1.
package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/openfit-tools/fitcloud-cli/credentials"
	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
	"github.com/openfit-tools/fitcloud-cli/oauth1"
	"github.com/openfit-tools/fitcloud-cli/sso"
)

const (
	preauthorizedPath = "/oauth-service/oauth/preauthorized"
	exchangePath      = "/oauth-service/oauth/exchange/user/2.0"
)

// Exchanger performs the two-step credential exchange against a region's
// API host.
type Exchanger struct {
	domain        string
	baseURL       string
	consumers     ConsumerSource
	client        *http.Client
	nowFunc       func() time.Time
	signerOptions []oauth1.SignerOption
}

// ExchangerOption defines a function type to modify the Exchanger
// instance.
type ExchangerOption func(*Exchanger)

// WithBaseURL overrides the API host (primarily for testing).
func WithBaseURL(baseURL string) ExchangerOption {
	return func(e *Exchanger) {
		e.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for exchange calls.
func WithHTTPClient(client *http.Client) ExchangerOption {
	return func(e *Exchanger) {
		e.client = client
	}
}

// WithNowFunc sets the now time function (primarily for testing).
func WithNowFunc(nowFunc func() time.Time) ExchangerOption {
	return func(e *Exchanger) {
		e.nowFunc = nowFunc
	}
}

// WithSignerOptions forwards options to the request signer (primarily
// for deterministic signatures in tests).
func WithSignerOptions(options ...oauth1.SignerOption) ExchangerOption {
	return func(e *Exchanger) {
		e.signerOptions = options
	}
}

// NewExchanger creates an Exchanger for a region.
func NewExchanger(domain string, consumers ConsumerSource, options ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		domain:    domain,
		baseURL:   "https://connectapi." + domain,
		consumers: consumers,
		client:    &http.Client{Timeout: sso.DefaultTimeout},
		nowFunc:   time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Preauthorize redeems a service ticket for the long-lived OAuth1
// credential. source names the SSO flow that issued the ticket; it picks
// the login-context URL the redemption endpoint validates against.
func (e *Exchanger) Preauthorize(ctx context.Context, ticket, source string) (*credentials.OAuth1Token, error) {
	consumer, err := e.consumers.Consumer(ctx)
	if err != nil {
		return nil, err
	}
	signer := oauth1.NewSigner(consumer, e.signerOptions...)

	params := url.Values{
		"ticket":             {ticket},
		"login-url":          {e.loginContext(source)},
		"accepts-mfa-tokens": {"true"},
	}
	target := e.baseURL + preauthorizedPath + "?" + params.Encode()
	header, err := signer.AuthorizationHeader(http.MethodGet, target, nil, nil)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "exchange: building preauthorize request")
	}
	req.Header.Set("Authorization", header)

	body, err := e.do(req)
	if err != nil {
		return nil, err
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, errors.Wrap(interrors.ErrMalformedGrant, err.Error())
	}
	token := &credentials.OAuth1Token{
		Token:    values.Get("oauth_token"),
		Secret:   values.Get("oauth_token_secret"),
		MFAToken: values.Get("mfa_token"),
		Domain:   e.domain,
	}
	if token.Token == "" || token.Secret == "" {
		return nil, errors.Wrap(interrors.ErrMalformedGrant, "preauthorize response missing token or secret")
	}
	log.Debug().Str("domain", e.domain).Msg("Service ticket redeemed")
	return token, nil
}

// Exchange converts the OAuth1 credential into the bearer pair. Also the
// refresh path: re-running it with a stored OAuth1 credential yields a
// fresh bearer without a new ticket.
func (e *Exchanger) Exchange(ctx context.Context, o1 *credentials.OAuth1Token) (*credentials.OAuth2Token, error) {
	consumer, err := e.consumers.Consumer(ctx)
	if err != nil {
		return nil, err
	}
	signer := oauth1.NewSigner(consumer, e.signerOptions...)

	form := url.Values{}
	if o1.MFAToken != "" {
		form.Set("mfa_token", o1.MFAToken)
	}
	target := e.baseURL + exchangePath
	header, err := signer.AuthorizationHeader(http.MethodPost, target, form, o1)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "exchange: building exchange request")
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := e.do(req)
	if err != nil {
		return nil, err
	}
	var resp credentials.ExchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(interrors.ErrMalformedGrant, err.Error())
	}
	if resp.AccessToken == "" {
		return nil, errors.Wrap(interrors.ErrMalformedGrant, "exchange response missing access token")
	}
	log.Debug().Str("domain", e.domain).Msg("Bearer credential issued")
	return credentials.FromExchangeResponse(resp, e.nowFunc()), nil
}

func (e *Exchanger) do(req *http.Request) ([]byte, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "exchange: request failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "exchange: reading response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("exchange: status %d: %s", resp.StatusCode, snippet(body))
	}
	return body, nil
}

// loginContext returns the login-url parameter for the flow that issued
// the ticket; the redemption endpoint checks it against the ticket's
// issuing surface.
func (e *Exchanger) loginContext(source string) string {
	ssoBase := "https://sso." + e.domain + "/sso"
	if source == sso.SourceEmbed {
		return ssoBase + "/embed"
	}
	return ssoBase
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
