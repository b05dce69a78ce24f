package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	interrors "github.com/openfit-tools/fitcloud-cli/internal/errors"
	"github.com/openfit-tools/fitcloud-cli/internal/utils"
	"github.com/openfit-tools/fitcloud-cli/oauth1"
)

// DefaultConsumerURL is the public, cacheable location of the consumer
// key/secret pair used to sign exchange requests.
const DefaultConsumerURL = "https://openfit-tools.github.io/fitcloud-cli/oauth_consumer.json"

// BuiltinConsumer is the well-known pair shipped with the vendor's embed
// widget, used when the public pair cannot be fetched.
var BuiltinConsumer = oauth1.Consumer{
	Key:    "fc-connect-embed",
	Secret: "Vq7y0PhRkGmUuLbD3tNcXa81JwEoSz5i",
}

// ConsumerSource resolves the consumer pair that signs exchange requests.
type ConsumerSource interface {
	Consumer(ctx context.Context) (oauth1.Consumer, error)
}

// StaticConsumerSource returns a fixed pair; used in tests and when the
// pair is supplied by configuration.
type StaticConsumerSource struct {
	Pair oauth1.Consumer
}

func (s StaticConsumerSource) Consumer(context.Context) (oauth1.Consumer, error) {
	return s.Pair, nil
}

// FetchedConsumerSource fetches the pair from a public URL exactly once
// per process and memoizes it. A failed fetch is not latched, so the next
// caller retries; a fallback pair (when set) absorbs persistent fetch
// failures.
type FetchedConsumerSource struct {
	url      string
	client   *http.Client
	fallback *oauth1.Consumer

	mu     sync.Mutex
	cached *oauth1.Consumer
}

// FetchedConsumerOption defines a function type to modify the
// FetchedConsumerSource instance.
type FetchedConsumerOption func(*FetchedConsumerSource)

// WithConsumerURL overrides the fetch location (primarily for testing).
func WithConsumerURL(url string) FetchedConsumerOption {
	return func(s *FetchedConsumerSource) {
		s.url = url
	}
}

// WithConsumerHTTPClient sets the HTTP client used for the fetch.
func WithConsumerHTTPClient(client *http.Client) FetchedConsumerOption {
	return func(s *FetchedConsumerSource) {
		s.client = client
	}
}

// WithConsumerFallback sets the pair returned when the fetch fails.
func WithConsumerFallback(pair oauth1.Consumer) FetchedConsumerOption {
	return func(s *FetchedConsumerSource) {
		s.fallback = utils.Ptr(pair)
	}
}

// NewFetchedConsumerSource creates the process-wide consumer cache.
func NewFetchedConsumerSource(options ...FetchedConsumerOption) *FetchedConsumerSource {
	s := &FetchedConsumerSource{
		url:    DefaultConsumerURL,
		client: http.DefaultClient,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *FetchedConsumerSource) Consumer(ctx context.Context) (oauth1.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return *s.cached, nil
	}

	pair, err := s.fetch(ctx)
	if err != nil {
		if s.fallback != nil {
			log.Warn().Err(err).Msg("Consumer fetch failed, using builtin pair")
			s.cached = s.fallback
			return *s.fallback, nil
		}
		return oauth1.Consumer{}, errors.Wrap(interrors.ErrConsumerFetch, err.Error())
	}
	s.cached = &pair
	return pair, nil
}

func (s *FetchedConsumerSource) fetch(ctx context.Context) (oauth1.Consumer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return oauth1.Consumer{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return oauth1.Consumer{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oauth1.Consumer{}, errors.Errorf("status %d from %s", resp.StatusCode, s.url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return oauth1.Consumer{}, err
	}

	var pair oauth1.Consumer
	if err := json.Unmarshal(body, &pair); err != nil {
		return oauth1.Consumer{}, err
	}
	if pair.Key == "" || pair.Secret == "" {
		return oauth1.Consumer{}, errors.New("consumer document missing key or secret")
	}
	return pair, nil
}
