package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL     = 10 * time.Minute
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/storefront/checkout/internal/platform/secrets"
)

var (
	// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file holds the secret.
	ErrSecretNotFound = errors.New("secrets: secret not found")
	// ErrInvalidReference is returned for references that are not secret://[project/]name[?version=N].
	ErrInvalidReference = errors.New("secrets: invalid reference")
)

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references through Google Secret Manager. Values are cached for a TTL.
// When Secret Manager cannot be reached and a local fallback file exists, the file is consulted.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	project    string
	ttl        time.Duration
	now        func() time.Time

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cacheEntry

	lookups metric.Int64Counter
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

type fetcherConfig struct {
	logger       *zap.Logger
	project      string
	ttl          time.Duration
	fallbackPath string
	client       secretManagerClient
	clientOpts   []option.ClientOption
	meter        metric.Meter
	now          func() time.Time
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithDefaultProject sets the project used by references that omit one.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.project = strings.TrimSpace(projectID) }
}

// WithCacheTTL overrides how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) { cfg.ttl = ttl }
}

// WithFallbackFile points at a dotenv-style file keyed by secret reference. Empty disables it.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithSecretManagerClient injects a client, mainly for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithMeter overrides the OpenTelemetry meter.
func WithMeter(meter metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = meter }
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.now = now }
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created leaves the fetcher
// in fallback-only mode rather than failing startup.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		ttl:          defaultCacheTTL,
		fallbackPath: defaultFallbackPath,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}
	lookups, err := cfg.meter.Int64Counter("secrets.lookups",
		metric.WithDescription("Secret resolutions by source"))
	if err != nil {
		return nil, fmt.Errorf("secrets: register metrics: %w", err)
	}

	f := &Fetcher{
		client:       cfg.client,
		logger:       cfg.logger,
		project:      cfg.project,
		ttl:          cfg.ttl,
		now:          cfg.now,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]cacheEntry),
		lookups:      lookups,
	}
	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secret manager client unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the secret value for ref.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := f.parse(ref)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	entry, ok := f.cache[parsed.resource]
	f.mu.Unlock()
	if ok && (f.ttl <= 0 || f.now().Sub(entry.fetchedAt) < f.ttl) {
		f.record(ctx, "cache")
		return entry.value, nil
	}

	value, remoteErr := f.fetchRemote(ctx, parsed)
	if remoteErr == nil {
		f.store(parsed.resource, value)
		f.record(ctx, "secret_manager")
		return value, nil
	}
	if status.Code(remoteErr) == codes.NotFound {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, parsed.resource)
	}

	if value, ok := f.lookupFallback(parsed); ok {
		f.logger.Warn("secret resolved from fallback file",
			zap.String("secret", parsed.name),
			zap.Error(remoteErr),
		)
		f.store(parsed.resource, value)
		f.record(ctx, "fallback")
		return value, nil
	}
	return "", fmt.Errorf("secrets: resolve %s: %w", parsed.resource, remoteErr)
}

func (f *Fetcher) fetchRemote(ctx context.Context, ref reference) (string, error) {
	if f.client == nil {
		return "", status.Error(codes.Unavailable, "secret manager client not configured")
	}
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: ref.resource})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

func (f *Fetcher) lookupFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(func() {
		if f.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secret fallback file unreadable", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		f.fallback = values
	})
	for _, key := range []string{ref.raw, ref.name} {
		if value, ok := f.fallback[key]; ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}

func (f *Fetcher) store(resource, value string) {
	f.mu.Lock()
	f.cache[resource] = cacheEntry{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *Fetcher) record(ctx context.Context, source string) {
	f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	raw      string
	name     string
	resource string
}

// parse accepts secret://name, secret://project/name and an optional ?version=N (default latest).
func (f *Fetcher) parse(ref string) (reference, error) {
	raw := strings.TrimSpace(ref)
	if strings.HasPrefix(raw, "sm://") {
		raw = "secret://" + strings.TrimPrefix(raw, "sm://")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "secret" {
		return reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	parts := strings.Split(strings.Trim(u.Host+u.Path, "/"), "/")
	project, name := f.project, ""
	switch len(parts) {
	case 1:
		name = parts[0]
	case 2:
		project, name = parts[0], parts[1]
	}
	if name == "" || project == "" {
		return reference{}, fmt.Errorf("%w: %q needs a secret name and project", ErrInvalidReference, ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		raw:      raw,
		name:     name,
		resource: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version),
	}, nil
}
