package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envPrefix                   = "CHECKOUT_"
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultLogLevel             = "info"
	defaultEnvironment          = "local"
	defaultStoreBackend         = "firestore"
	defaultEventsBackend        = "none"
	defaultIdempotencyBackend   = "firestore"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultCurrency             = "GBP"
	defaultPaymentProvider      = "stripe"
	defaultRetryMaxAttempts     = 8
	defaultRetryBaseDelay       = 30 * time.Second
	defaultRetryBatchSize       = 50
	defaultPostgresMaxConns     = 10
	defaultFirestoreTxAttempts  = 5
	defaultFirestoreTxTimeout   = 15 * time.Second
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer           = "https://accounts.google.com"
)

// Store backends.
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPubSub    = "pubsub"
	BackendKafka     = "kafka"
	BackendNone      = "none"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Log         LogConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	Events      EventsConfig
	Idempotency IdempotencyConfig
	Payments    PaymentsConfig
	Receipts    ReceiptsConfig
	Checkout    CheckoutConfig
	Inventory   InventoryConfig
	Security    SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string
}

// FirebaseConfig stores Firebase project settings used for end-user authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores Firestore connection parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	TxAttempts   int
	TxTimeout    time.Duration
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string
}

// PostgresConfig configures the relational backend.
type PostgresConfig struct {
	URL            string
	MaxConns       int32
	MigrateOnStart bool
}

// EventsConfig selects where domain events are published.
type EventsConfig struct {
	Backend      string
	PubSubTopic  string
	KafkaBrokers []string
	KafkaTopic   string
}

// IdempotencyConfig controls the Idempotency-Key middleware.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
}

// PaymentsConfig collects provider credentials and routing.
type PaymentsConfig struct {
	DefaultProvider     string
	CurrencyRoutes      map[string]string
	StripeAPIKey        string
	StripeWebhookSecret string
	PaystackSecretKey   string
	PaystackBaseURL     string
}

// ReceiptsConfig names the bucket receiving immutable receipts.
type ReceiptsConfig struct {
	Bucket string
}

// CheckoutConfig holds order assembly defaults.
type CheckoutConfig struct {
	DefaultCurrency string
	// ShippingRates maps a shipping method to its cost in minor units. Empty uses the built-in rates.
	ShippingRates map[string]int64
}

// InventoryConfig tunes the pending ledger retry sweep.
type InventoryConfig struct {
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryBatchSize   int
}

// SecurityConfig groups service-to-service authentication settings.
type SecurityConfig struct {
	OIDC OIDCConfig
}

// OIDCConfig controls Google-signed token verification on internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// SecretResolver resolves secret references such as secret://project/name.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// Resolve implements SecretResolver.
func (f SecretResolverFunc) Resolve(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists every missing or invalid field found by Load.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes a failure while resolving a secret reference.
type SecretError struct {
	Field string
	Ref   string
	Err   error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("resolve secret for %s (%s): %v", e.Field, e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secrets      SecretResolver
}

// WithEnvFile overrides the dotenv file used for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secrets = resolver }
}

// EnvironmentValues returns the merged environment (dotenv < process env < explicit map)
// so callers can build the secret resolver before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotenv, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotenv))
	for k, v := range dotenv {
		values[k] = v
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && key != "" {
				values[key] = value
			}
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Load assembles configuration from defaults, the dotenv file, the process environment and
// explicit overrides. Keys carry the CHECKOUT_ prefix. Secret references are resolved last.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := envReader{values: values}

	cfg := Config{
		Environment: strings.ToLower(env.str("ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:            env.str("PORT", firstNonEmpty(values["PORT"], defaultPort)),
			ReadTimeout:     env.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Log: LogConfig{
			Level: env.str("LOG_LEVEL", defaultLogLevel),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("FIRESTORE_EMULATOR_HOST", values["FIRESTORE_EMULATOR_HOST"]),
			TxAttempts:   env.integer("FIRESTORE_TX_ATTEMPTS", defaultFirestoreTxAttempts),
			TxTimeout:    env.duration("FIRESTORE_TX_TIMEOUT", defaultFirestoreTxTimeout),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(env.str("STORE_BACKEND", defaultStoreBackend)),
		},
		Postgres: PostgresConfig{
			URL:            env.str("POSTGRES_URL", ""),
			MaxConns:       int32(env.integer("POSTGRES_MAX_CONNS", defaultPostgresMaxConns)),
			MigrateOnStart: env.boolean("POSTGRES_MIGRATE_ON_START", true),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(env.str("EVENTS_BACKEND", defaultEventsBackend)),
			PubSubTopic:  env.str("EVENTS_PUBSUB_TOPIC", ""),
			KafkaBrokers: env.csv("EVENTS_KAFKA_BROKERS"),
			KafkaTopic:   env.str("EVENTS_KAFKA_TOPIC", ""),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(env.str("IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           env.str("IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
			RedisAddr:        env.str("REDIS_ADDR", ""),
			RedisPassword:    env.str("REDIS_PASSWORD", ""),
			RedisDB:          env.integer("REDIS_DB", 0),
		},
		Payments: PaymentsConfig{
			DefaultProvider:     strings.ToLower(env.str("PAYMENTS_DEFAULT_PROVIDER", defaultPaymentProvider)),
			CurrencyRoutes:      env.pairs("PAYMENTS_CURRENCY_ROUTES"),
			StripeAPIKey:        env.str("STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("STRIPE_WEBHOOK_SECRET", ""),
			PaystackSecretKey:   env.str("PAYSTACK_SECRET_KEY", ""),
			PaystackBaseURL:     env.str("PAYSTACK_BASE_URL", ""),
		},
		Receipts: ReceiptsConfig{
			Bucket: env.str("RECEIPTS_BUCKET", ""),
		},
		Checkout: CheckoutConfig{
			DefaultCurrency: strings.ToUpper(env.str("DEFAULT_CURRENCY", defaultCurrency)),
			ShippingRates:   env.amounts("SHIPPING_RATES"),
		},
		Inventory: InventoryConfig{
			RetryMaxAttempts: env.integer("INVENTORY_RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts),
			RetryBaseDelay:   env.duration("INVENTORY_RETRY_BASE_DELAY", defaultRetryBaseDelay),
			RetryBatchSize:   env.integer("INVENTORY_RETRY_BATCH", defaultRetryBatchSize),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  env.str("OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: env.str("OIDC_AUDIENCE", ""),
				Issuers:  env.csv("OIDC_ISSUERS"),
			},
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Postgres.URL", &cfg.Postgres.URL},
		{"Idempotency.RedisPassword", &cfg.Idempotency.RedisPassword},
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
		{"Payments.PaystackSecretKey", &cfg.Payments.PaystackSecretKey},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, target.name, *target.field, options.secrets)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsSecretReference reports whether value points at Secret Manager.
func IsSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func resolveSecret(ctx context.Context, field, value string, resolver SecretResolver) (string, error) {
	if !IsSecretReference(value) {
		return value, nil
	}
	ref := strings.TrimSpace(value)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	if resolver == nil {
		return "", &SecretError{Field: field, Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.Resolve(ctx, ref)
	if err != nil {
		return "", &SecretError{Field: field, Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validate(cfg Config) error {
	var invalid []string
	add := func(field string) { invalid = append(invalid, field) }

	if cfg.Server.Port == "" {
		add("Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		add("Firebase.ProjectID")
	}

	switch cfg.Store.Backend {
	case BackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			add("Firestore.ProjectID")
		}
		if cfg.Firestore.TxAttempts <= 0 {
			add("Firestore.TxAttempts")
		}
	case BackendPostgres:
		if cfg.Postgres.URL == "" {
			add("Postgres.URL")
		}
		if cfg.Postgres.MaxConns <= 0 {
			add("Postgres.MaxConns")
		}
	case BackendMemory:
	default:
		add("Store.Backend")
	}

	switch cfg.Events.Backend {
	case BackendPubSub:
		if cfg.Events.PubSubTopic == "" {
			add("Events.PubSubTopic")
		}
	case BackendKafka:
		if len(cfg.Events.KafkaBrokers) == 0 {
			add("Events.KafkaBrokers")
		}
		if cfg.Events.KafkaTopic == "" {
			add("Events.KafkaTopic")
		}
	case BackendNone:
	default:
		add("Events.Backend")
	}

	switch cfg.Idempotency.Backend {
	case BackendFirestore:
		if cfg.Store.Backend != BackendFirestore && cfg.Firestore.ProjectID == "" {
			add("Firestore.ProjectID")
		}
	case BackendRedis:
		if cfg.Idempotency.RedisAddr == "" {
			add("Idempotency.RedisAddr")
		}
	case BackendMemory:
	default:
		add("Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		add("Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		add("Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		add("Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		add("Idempotency.CleanupBatchSize")
	}

	providers := cfg.Payments.ConfiguredProviders()
	if len(providers) == 0 {
		add("Payments.StripeAPIKey|Payments.PaystackSecretKey")
	} else if _, ok := providers[cfg.Payments.DefaultProvider]; !ok {
		add("Payments.DefaultProvider")
	}
	if cfg.Payments.StripeAPIKey != "" && cfg.Payments.StripeWebhookSecret == "" {
		add("Payments.StripeWebhookSecret")
	}
	routed := make([]string, 0, len(cfg.Payments.CurrencyRoutes))
	for currency, provider := range cfg.Payments.CurrencyRoutes {
		if _, ok := providers[provider]; !ok {
			routed = append(routed, currency)
		}
	}
	sort.Strings(routed)
	for _, currency := range routed {
		add("Payments.CurrencyRoutes[" + currency + "]")
	}

	if len(cfg.Checkout.DefaultCurrency) != 3 {
		add("Checkout.DefaultCurrency")
	}
	methods := make([]string, 0, len(cfg.Checkout.ShippingRates))
	for method, cost := range cfg.Checkout.ShippingRates {
		if cost < 0 {
			methods = append(methods, method)
		}
	}
	sort.Strings(methods)
	for _, method := range methods {
		add("Checkout.ShippingRates[" + method + "]")
	}
	if cfg.Inventory.RetryMaxAttempts <= 0 {
		add("Inventory.RetryMaxAttempts")
	}
	if cfg.Inventory.RetryBaseDelay <= 0 {
		add("Inventory.RetryBaseDelay")
	}
	if cfg.Environment != defaultEnvironment && cfg.Security.OIDC.Audience == "" {
		add("Security.OIDC.Audience")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

// ConfiguredProviders returns the payment providers that have credentials.
func (p PaymentsConfig) ConfiguredProviders() map[string]struct{} {
	out := make(map[string]struct{}, 2)
	if p.StripeAPIKey != "" {
		out["stripe"] = struct{}{}
	}
	if p.PaystackSecretKey != "" {
		out["paystack"] = struct{}{}
	}
	return out
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

type envReader struct {
	values map[string]string
}

func (e envReader) lookup(key string) (string, bool) {
	value, ok := e.values[envPrefix+key]
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (e envReader) str(key, fallback string) string {
	if value, ok := e.lookup(key); ok {
		return value
	}
	return fallback
}

func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := e.lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (e envReader) integer(key string, fallback int) int {
	if value, ok := e.lookup(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func (e envReader) boolean(key string, fallback bool) bool {
	if value, ok := e.lookup(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func (e envReader) csv(key string) []string {
	value, ok := e.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "GBP=stripe,NGN=paystack" into an upper-cased key map with lower-cased values.
func (e envReader) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range e.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToUpper(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// amounts parses "standard=499,express=999" into lower-cased methods with minor-unit costs.
// Unparseable costs are kept as -1 so validation reports them.
func (e envReader) amounts(key string) map[string]int64 {
	out := make(map[string]int64)
	for _, entry := range e.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			continue
		}
		cost, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			cost = -1
		}
		out[name] = cost
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
