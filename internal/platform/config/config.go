package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "STOREFRONT_"

	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultShutdownTimeout       = 20 * time.Second
	defaultMarketplaceTimeout    = 10 * time.Second
	defaultBreakerMaxFailures    = 5
	defaultBreakerOpenTimeout    = 30 * time.Second
	defaultRequestTimeout        = 15 * time.Second
	defaultPollInterval          = 30 * time.Second
	defaultViewLease             = 2 * time.Minute
	defaultTopUpRedirectDelay    = 3 * time.Second
	defaultOrderHistoryURL       = "/orders/{orderId}"
	defaultSessionTTL            = 30 * time.Minute
	defaultCurrency              = "INR"
	defaultLocale                = "en-IN"
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
	defaultRedisKeyPrefix        = "storefront:idem:"
	defaultKafkaGroupID          = "storefront-order-status"
	defaultServiceName           = "storefront"
	defaultLogLevel              = "info"
	defaultWebhookToleranceValue = 5 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Marketplace MarketplaceConfig
	Checkout    CheckoutConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Stripe      StripeConfig
	Telemetry   TelemetryConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// MarketplaceConfig points the storefront at the marketplace JSON API.
type MarketplaceConfig struct {
	BaseURL            string
	Timeout            time.Duration
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}

// CheckoutConfig tunes checkout session behaviour.
type CheckoutConfig struct {
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	// ViewLease keeps an order viewed from the order page polled without a fresh view.
	ViewLease          time.Duration
	TopUpRedirectDelay time.Duration
	// OrderHistoryURL may contain {orderId}, replaced with the order identifier.
	OrderHistoryURL string
	SessionTTL      time.Duration
	Currency        string
	Locale          string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RedisConfig enables the shared idempotency store when Addr is set.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// KafkaConfig enables the order status feed when Brokers and Topic are set.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// StripeConfig holds webhook verification parameters.
type StripeConfig struct {
	WebhookSecret    string
	WebhookTolerance time.Duration
}

// TelemetryConfig names the service for traces, metrics and logs.
type TelemetryConfig struct {
	ServiceName string
	LogLevel    string
}

// RedisEnabled reports whether a Redis address was configured.
func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// KafkaEnabled reports whether the order feed should be consumed.
func (c Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) != ""
}

// SecretResolver resolves references to external secrets.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	configFile   string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithConfigFile sets a YAML file whose nested keys map onto STOREFRONT_* variables
// (checkout.poll_interval becomes STOREFRONT_CHECKOUT_POLL_INTERVAL).
func WithConfigFile(path string) Option {
	return func(o *loaderOptions) {
		o.configFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the application configuration by combining defaults, an optional YAML file,
// .env overrides, environment variables, and secret lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	configFile := options.configFile
	if configFile == "" {
		if value, ok := options.envMap[envPrefix+"CONFIG_FILE"]; ok {
			configFile = value
		} else if options.useSystemEnv {
			configFile = os.Getenv(envPrefix + "CONFIG_FILE")
		}
	}
	fileValues, err := loadYAMLFile(configFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		key = envPrefix + key
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		if value, ok := fileValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Marketplace: MarketplaceConfig{
			BaseURL:            strings.TrimRight(stringWithDefault(lookup, "MARKETPLACE_BASE_URL", ""), "/"),
			Timeout:            durationWithDefault(lookup, "MARKETPLACE_TIMEOUT", defaultMarketplaceTimeout),
			BreakerMaxFailures: intWithDefault(lookup, "MARKETPLACE_BREAKER_MAX_FAILURES", defaultBreakerMaxFailures),
			BreakerOpenTimeout: durationWithDefault(lookup, "MARKETPLACE_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout),
		},
		Checkout: CheckoutConfig{
			RequestTimeout:     durationWithDefault(lookup, "CHECKOUT_REQUEST_TIMEOUT", defaultRequestTimeout),
			PollInterval:       durationWithDefault(lookup, "CHECKOUT_POLL_INTERVAL", defaultPollInterval),
			ViewLease:          durationWithDefault(lookup, "CHECKOUT_VIEW_LEASE", defaultViewLease),
			TopUpRedirectDelay: durationWithDefault(lookup, "CHECKOUT_TOPUP_REDIRECT_DELAY", defaultTopUpRedirectDelay),
			OrderHistoryURL:    stringWithDefault(lookup, "CHECKOUT_ORDER_HISTORY_URL", defaultOrderHistoryURL),
			SessionTTL:         durationWithDefault(lookup, "CHECKOUT_SESSION_TTL", defaultSessionTTL),
			Currency:           strings.ToUpper(stringWithDefault(lookup, "CHECKOUT_CURRENCY", defaultCurrency)),
			Locale:             stringWithDefault(lookup, "CHECKOUT_LOCALE", defaultLocale),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Redis: RedisConfig{
			Addr:      stringWithDefault(lookup, "REDIS_ADDR", ""),
			Password:  stringWithDefault(lookup, "REDIS_PASSWORD", ""),
			DB:        intWithDefault(lookup, "REDIS_DB", 0),
			KeyPrefix: stringWithDefault(lookup, "REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		Kafka: KafkaConfig{
			Brokers: csvWithDefault(lookup, "KAFKA_BROKERS"),
			Topic:   stringWithDefault(lookup, "KAFKA_TOPIC", ""),
			GroupID: stringWithDefault(lookup, "KAFKA_GROUP_ID", defaultKafkaGroupID),
		},
		Stripe: StripeConfig{
			WebhookSecret:    stringWithDefault(lookup, "STRIPE_WEBHOOK_SECRET", ""),
			WebhookTolerance: durationWithDefault(lookup, "STRIPE_WEBHOOK_TOLERANCE", defaultWebhookToleranceValue),
		},
		Telemetry: TelemetryConfig{
			ServiceName: stringWithDefault(lookup, "TELEMETRY_SERVICE_NAME", defaultServiceName),
			LogLevel:    strings.ToLower(stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel)),
		},
	}

	secretFields := []*string{
		&cfg.Redis.Password,
		&cfg.Stripe.WebhookSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	ref := strings.TrimSpace(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func isSecretReference(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), "secret://")
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Marketplace.BaseURL == "" {
		missing = append(missing, "Marketplace.BaseURL")
	} else if parsed, err := url.Parse(cfg.Marketplace.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		missing = append(missing, "Marketplace.BaseURL")
	}
	if cfg.Marketplace.Timeout <= 0 {
		missing = append(missing, "Marketplace.Timeout")
	}
	if cfg.Checkout.RequestTimeout <= 0 {
		missing = append(missing, "Checkout.RequestTimeout")
	}
	if cfg.Checkout.PollInterval <= 0 {
		missing = append(missing, "Checkout.PollInterval")
	}
	if cfg.Checkout.ViewLease <= 0 {
		missing = append(missing, "Checkout.ViewLease")
	}
	if cfg.Checkout.SessionTTL <= 0 {
		missing = append(missing, "Checkout.SessionTTL")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}
	if len(cfg.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.Kafka.Topic) == "" {
		missing = append(missing, "Kafka.Topic")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadYAMLFile(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	values := make(map[string]string)
	flattenYAML(envPrefix, doc, values)
	return values, nil
}

func flattenYAML(prefix string, node map[string]any, out map[string]string) {
	keys := make([]string, 0, len(node))
	for key := range node {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := prefix + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
		switch value := node[key].(type) {
		case map[string]any:
			flattenYAML(name+"_", value, out)
		case []any:
			parts := make([]string, 0, len(value))
			for _, item := range value {
				parts = append(parts, fmt.Sprint(item))
			}
			out[name] = strings.Join(parts, ",")
		case nil:
		default:
			out[name] = fmt.Sprint(value)
		}
	}
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
