package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	defaultFetchTimeout = 5 * time.Second
	latestVersion       = "latest"
	meterName           = "github.com/bookhaven/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references (database DSN, gateway keys, email API key) through
// Google Secret Manager. Values are cached for a TTL, and a local KEY=VALUE file answers when
// Secret Manager is unreachable or denies access.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env          string
	defaultProj  string
	projectMap   map[string]string
	versionPins  map[string]string
	fetchTimeout time.Duration

	cache    *valueCache
	fallback *fallbackFile
	metrics  fetchMetrics
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	versionPins  map[string]string
	fallbackPath string
	cacheTTL     time.Duration
	fetchTimeout time.Duration
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	now          func() time.Time
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the key used for per-environment project ids and version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject is used when the environment has no project mapping.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProj = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment names to Secret Manager project ids.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projectMap = maps.Clone(m) }
}

// WithVersionPins pins versions by canonical reference, optionally prefixed with "env:".
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.versionPins = maps.Clone(pins) }
}

func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long resolved values are served from memory. Zero or negative disables expiry.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) { cfg.cacheTTL = ttl }
}

func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a client instead of dialing Secret Manager.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.now = now }
}

// NewFetcher builds a Fetcher. Failing to create a Secret Manager client is logged, not returned:
// the fetcher then answers from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		cacheTTL:     defaultCacheTTL,
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:       cfg.client,
		logger:       cfg.logger,
		env:          cfg.env,
		defaultProj:  cfg.defaultProj,
		projectMap:   cfg.projectMap,
		versionPins:  cfg.versionPins,
		fetchTimeout: cfg.fetchTimeout,
		cache:        newValueCache(cfg.cacheTTL, cfg.now),
		fallback:     &fallbackFile{path: cfg.fallbackPath},
		metrics:      newFetchMetrics(cfg.meter, cfg.logger),
	}
	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager client unavailable; operating in fallback mode", zap.Error(err))
		} else {
			f.client, f.ownsClient = client, true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref. Only transient or permission errors from Secret Manager
// fall through to the local file; NotFound is returned as is.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)

	if value, ok := f.cache.get(ref.Canonical, version); ok {
		f.metrics.cacheHit(ctx, ref)
		f.metrics.latency(ctx, start, "cache", false)
		return value, nil
	}

	if project := f.project(ref); project != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, project, ref.Secret, version)
		switch {
		case err == nil:
			f.cache.put(ref.Canonical, version, value)
			f.metrics.latency(ctx, start, "remote", false)
			return value, nil
		case !isFallbackError(err):
			f.metrics.latency(ctx, start, "error", true)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", maskReference(ref.Canonical), err)
		}
		f.logger.Debug("secrets: falling back to local secrets", zap.String("ref", maskReference(ref.Canonical)), zap.Error(err))
	}

	value, ok, err := f.fallback.lookup(ref, version)
	if err != nil {
		f.logger.Debug("secrets: fallback load error", zap.Error(err))
	}
	if !ok {
		f.metrics.latency(ctx, start, "error", true)
		return "", fmt.Errorf("secrets: no value found for %s", maskReference(ref.Canonical))
	}
	f.cache.put(ref.Canonical, version, value)
	f.metrics.latency(ctx, start, "fallback", false)
	return value, nil
}

// Invalidate drops every cached version of ref.
func (f *Fetcher) Invalidate(raw string) {
	if ref, err := parseReference(raw); err == nil {
		f.cache.drop(ref.Canonical)
	}
}

func (f *Fetcher) fetchRemote(ctx context.Context, projectID, secretName, version string) (string, error) {
	if f.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.fetchTimeout)
		defer cancel()
	}
	name := "projects/" + projectID + "/secrets/" + secretName + "/versions/" + version
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) project(ref reference) string {
	if ref.Project != "" {
		return ref.Project
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return f.defaultProj
}

func (f *Fetcher) version(ref reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{f.env + ":" + ref.Canonical, ref.Canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return latestVersion
}

// valueCache holds resolved values keyed by canonical reference and version.
type valueCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]cachedValue
}

type cachedValue struct {
	value     string
	expiresAt time.Time
}

func newValueCache(ttl time.Duration, now func() time.Time) *valueCache {
	return &valueCache{ttl: ttl, now: now, entries: make(map[string]map[string]cachedValue)}
}

func (c *valueCache) get(canonical, version string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[canonical][version]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries[canonical], version)
		return "", false
	}
	return entry.value, true
}

func (c *valueCache) put(canonical, version, value string) {
	entry := cachedValue{value: value}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[canonical] == nil {
		c.entries[canonical] = make(map[string]cachedValue)
	}
	c.entries[canonical][version] = entry
}

func (c *valueCache) drop(canonical string) {
	c.mu.Lock()
	delete(c.entries, canonical)
	c.mu.Unlock()
}

// fallbackFile is the lazily read local secrets file. Lines are "<reference>=<value>"; a
// reference without ?version= answers for every version.
type fallbackFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref reference, version string) (string, bool, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", false, f.err
	}
	if value, ok := f.values[ref.Canonical+"#"+version]; ok {
		return value, true, nil
	}
	value, ok := f.values[ref.Canonical]
	return value, ok, nil
}

func (f *fallbackFile) load() {
	f.values = make(map[string]string)
	if f.path == "" {
		return
	}
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", f.path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ref, err := parseReference(key)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		version := ref.Version
		if version == "" {
			version = latestVersion
		}
		f.values[ref.Canonical] = value
		f.values[ref.Canonical+"#"+version] = value
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: failed reading %s: %w", f.path, err)
	}
}

// fetchMetrics records resolve latency and cache hits. Instruments that fail to register stay nil.
type fetchMetrics struct {
	duration metric.Float64Histogram
	hits     metric.Int64Counter
}

func newFetchMetrics(meter metric.Meter, logger *zap.Logger) fetchMetrics {
	var m fetchMetrics
	var err error
	if m.duration, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	); err != nil {
		logger.Warn("secrets: unable to register latency metric", zap.Error(err))
		m.duration = nil
	}
	if m.hits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	); err != nil {
		logger.Warn("secrets: unable to register cache hit metric", zap.Error(err))
		m.hits = nil
	}
	return m
}

func (m fetchMetrics) latency(ctx context.Context, start time.Time, source string, failed bool) {
	if m.duration == nil {
		return
	}
	ms := float64(time.Since(start)) / float64(time.Millisecond)
	m.duration.Record(ctx, ms, metric.WithAttributes(attribute.String("source", source), attribute.Bool("error", failed)))
}

func (m fetchMetrics) cacheHit(ctx context.Context, ref reference) {
	if m.hits != nil {
		m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(ref.Canonical))))
	}
}

// reference is a parsed secret://name[/path][?version=N&project=P].
type reference struct {
	Canonical string
	Secret    string
	Version   string
	Project   string
}

func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, errors.New("secrets: missing secret name")
	}
	query := u.Query()
	u.RawQuery, u.Fragment = "", ""
	return reference{
		Canonical: u.String(),
		// Secret Manager ids cannot contain slashes.
		Secret:  strings.ReplaceAll(name, "/", "_"),
		Version: strings.TrimSpace(query.Get("version")),
		Project: strings.TrimSpace(query.Get("project")),
	}, nil
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
