// Package upstream talks to the clinical FHIR server the poller watches.
// It discovers the SMART token endpoint, obtains a backend-services access
// token and runs time-bounded searches with next-link paging.
package upstream

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultScope   = "system/*.read"
	DefaultTimeout = 30 * time.Second
)

// Config describes how to reach and authenticate against the upstream server.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scopes       string
	PrivateKey   *rsa.PrivateKey
	KeyID        string
	Timeout      time.Duration
	RPS          float64
	MaxPages     int
	RetryCount   int
}

// Error is returned for any failed exchange with the upstream server,
// token acquisition included.
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("upstream %s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream %s %s: %v", e.Op, e.URL, e.Err)
	default:
		return fmt.Sprintf("upstream %s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Client is a resty-backed upstream FHIR client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu            sync.Mutex
	tokenEndpoint string
}

// New creates a Client. Zero values in cfg fall back to package defaults,
// except MaxPages where zero means no page limit.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPages < 0 {
		cfg.MaxPages = 0
	}
	if cfg.Scopes == "" {
		cfg.Scopes = DefaultScope
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	hc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "upstream").Logger(),
	}
}

// LoadPrivateKey reads a PEM encoded RSA private key used to sign client
// assertions.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}
