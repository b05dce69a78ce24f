// Package oauth1 implements the signed-request authorization scheme used
// by the credential-exchange endpoints: an HMAC-SHA1 signature over a
// canonical request string, emitted as a one-time-use OAuth header.
package oauth1

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openfit-tools/fitcloud-cli/credentials"
)

// Consumer is the application key/secret pair that signs exchange
// requests.
type Consumer struct {
	Key    string `json:"consumer_key"`
	Secret string `json:"consumer_secret"`
}

// Signer builds Authorization headers for the exchange protocol. The
// nonce and clock are injectable so header construction is deterministic
// under test.
type Signer struct {
	consumer  Consumer
	nonceFunc func() string
	nowFunc   func() time.Time
}

// SignerOption defines a function type to modify the Signer instance.
type SignerOption func(*Signer)

// WithNonceFunc sets the nonce generator (primarily for testing).
func WithNonceFunc(nonceFunc func() string) SignerOption {
	return func(s *Signer) {
		s.nonceFunc = nonceFunc
	}
}

// WithNowFunc sets the now time function (primarily for testing).
func WithNowFunc(nowFunc func() time.Time) SignerOption {
	return func(s *Signer) {
		s.nowFunc = nowFunc
	}
}

// NewSigner creates a Signer for the given consumer pair.
func NewSigner(consumer Consumer, options ...SignerOption) *Signer {
	s := &Signer{
		consumer: consumer,
		nonceFunc: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// AuthorizationHeader produces the OAuth header value for one request.
// token carries the resource-owner credential; nil (or an empty token)
// means the initial ticket redemption, which is signed with the consumer
// secret alone.
func (s *Signer) AuthorizationHeader(method, rawURL string, params url.Values, token *credentials.OAuth1Token) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "oauth1: parsing %q", rawURL)
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.consumer.Key,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.nowFunc().Unix(), 10),
		"oauth_nonce":            s.nonceFunc(),
		"oauth_version":          "1.0",
	}
	tokenSecret := ""
	if token != nil && token.Token != "" {
		oauthParams["oauth_token"] = token.Token
		tokenSecret = token.Secret
	}

	// Signature input: protocol params, caller params, and the URL's own
	// query string, all percent-encoded and lexicographically sorted.
	var pairs []string
	for k, v := range oauthParams {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(v))
	}
	for k, vs := range params {
		for _, v := range vs {
			pairs = append(pairs, percentEncode(k)+"="+percentEncode(v))
		}
	}
	for k, vs := range parsed.Query() {
		for _, v := range vs {
			pairs = append(pairs, percentEncode(k)+"="+percentEncode(v))
		}
	}
	sort.Strings(pairs)

	baseURL := parsed.Scheme + "://" + parsed.Host + parsed.EscapedPath()
	baseString := strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(strings.Join(pairs, "&"))

	signingKey := percentEncode(s.consumer.Secret) + "&" + percentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(signingKey))
	mac.Write([]byte(baseString))
	oauthParams["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headerParts := make([]string, 0, len(keys))
	for _, k := range keys {
		headerParts = append(headerParts, fmt.Sprintf("%s=%q", percentEncode(k), percentEncode(oauthParams[k])))
	}
	return "OAuth " + strings.Join(headerParts, ", "), nil
}

// percentEncode implements RFC 5849 §3.6 encoding: unreserved characters
// pass through, everything else becomes uppercase %XX.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') || c == '-' || c == '.' || c == '_' || c == '~'
}
