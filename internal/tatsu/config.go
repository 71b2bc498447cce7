package tatsu

import (
	"net/http"
	"time"

	"github.com/tatsugg/tatsuq/internal/core"
	"github.com/tatsugg/tatsuq/internal/core/engine"
	"github.com/tatsugg/tatsuq/internal/core/transport"
)

type config struct {
	// baseURL is the versioned API root.
	// default: https://api.tatsu.gg/v1/
	baseURL string

	// timeout bounds one HTTP round trip.
	// default: 30 seconds
	timeout time.Duration

	userAgent    string
	maxBodyBytes int64
	httpClient   *http.Client

	// transport replaces the HTTP transport entirely, mostly for tests.
	transport engine.Transport

	scheduler engine.Options
}

func defaultConfig() *config {
	return &config{
		baseURL: transport.DefaultBaseURL,
		timeout: 30 * time.Second,
	}
}

// Option configures a Client.
type Option func(c *config)

func WithBaseURL(baseURL string) Option {
	return func(c *config) {
		c.baseURL = baseURL
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *config) {
		c.userAgent = userAgent
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(c *config) {
		c.maxBodyBytes = limit
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

func WithTransport(t engine.Transport) Option {
	return func(c *config) {
		c.transport = t
	}
}

func WithLogger(logger engine.Logger) Option {
	return func(c *config) {
		c.scheduler.Logger = logger
	}
}

func WithClock(clock engine.Clock) Option {
	return func(c *config) {
		c.scheduler.Clock = clock
	}
}

func WithSafetyMargin(margin time.Duration) Option {
	return func(c *config) {
		c.scheduler.SafetyMargin = margin
	}
}

func WithGate(gate engine.GateMode) Option {
	return func(c *config) {
		c.scheduler.Gate = gate
	}
}

func WithGuard(policy engine.GuardPolicy) Option {
	return func(c *config) {
		c.scheduler.Guard = policy
	}
}

func WithQuotaObserver(observer engine.QuotaObserver) Option {
	return func(c *config) {
		c.scheduler.Observer = observer
	}
}

// WithInitialQuota seeds the scheduler with a known window.
func WithInitialQuota(state *core.RateLimitState) Option {
	return func(c *config) {
		c.scheduler.Initial = state
	}
}
