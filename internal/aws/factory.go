// Package aws resolves profile credentials into SDK clients and implements the
// read-only queries, permission checks and preflight lookups the tool
// handlers need. Responses are rate limited per service and cached per
// profile; activating a profile invalidates everything cached for it.
package aws

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/QwavePune/aws-infra-agent-bot/internal/profile"
	"github.com/QwavePune/aws-infra-agent-bot/internal/vault"
)

// FallbackRegion is used when neither the call, the credential nor the
// configuration names a region.
const FallbackRegion = "us-east-1"

// KeySource supplies static access keys for profiles kept in the vault.
type KeySource interface {
	ProfileKey(profile string) (vault.StaticKey, bool, error)
}

// Recorder receives one record per AWS API call. *eventlog.Log satisfies it.
type Recorder interface {
	Record(eventType string, fields map[string]any) error
}

// ClientFactory resolves a profile.Credential into an aws.Config and builds
// service clients from it.
type ClientFactory struct {
	mu            sync.Mutex
	keys          KeySource
	configs       map[string]aws.Config
	defaultRegion string
	rateLimiter   *RateLimiter
	cache         *ResponseCache
	recorder      Recorder
	logger        zerolog.Logger

	loadShared func(ctx context.Context, profile, region string) (aws.Config, error)
}

// NewClientFactory creates a factory. keys may be nil when no vault is used.
func NewClientFactory(keys KeySource, defaultRegion string, logger zerolog.Logger) *ClientFactory {
	if defaultRegion == "" {
		defaultRegion = FallbackRegion
	}
	return &ClientFactory{
		keys:          keys,
		configs:       make(map[string]aws.Config),
		defaultRegion: defaultRegion,
		rateLimiter:   NewRateLimiter(10),
		cache:         NewResponseCache(5 * time.Minute),
		logger:        logger,
		loadShared:    loadSharedConfig,
	}
}

// SetRecorder enables per-call recording.
func (f *ClientFactory) SetRecorder(r Recorder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorder = r
}

// Cache returns the response cache.
func (f *ClientFactory) Cache() *ResponseCache { return f.cache }

func loadSharedConfig(ctx context.Context, profile, region string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(5),
	}
	if profile != "" && profile != "default" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// Region picks the effective region for a call.
func (f *ClientFactory) Region(cred profile.Credential, region string) string {
	switch {
	case region != "":
		return region
	case cred.Region != "":
		return cred.Region
	default:
		return f.defaultRegion
	}
}

// Config returns the SDK config for cred in region. Vault keys take
// precedence over the shared AWS config for the same profile name.
func (f *ClientFactory) Config(ctx context.Context, cred profile.Credential, region string) (aws.Config, error) {
	region = f.Region(cred, region)
	key := cred.Profile + "|" + region

	f.mu.Lock()
	if cfg, ok := f.configs[key]; ok {
		f.mu.Unlock()
		return cfg, nil
	}
	f.mu.Unlock()

	cfg, err := f.resolve(ctx, cred.Profile, region)
	if err != nil {
		return aws.Config{}, err
	}

	f.mu.Lock()
	f.configs[key] = cfg
	f.mu.Unlock()
	return cfg, nil
}

func (f *ClientFactory) resolve(ctx context.Context, profileName, region string) (aws.Config, error) {
	if f.keys != nil {
		sk, ok, err := f.keys.ProfileKey(profileName)
		if err != nil {
			return aws.Config{}, fmt.Errorf("reading vault key for %s: %w", profileName, err)
		}
		if ok {
			if sk.Region != "" && region == f.defaultRegion {
				region = sk.Region
			}
			return aws.Config{
				Region: region,
				Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
					sk.AccessKeyID, sk.SecretAccessKey, sk.SessionToken,
				)),
				RetryMaxAttempts: 5,
			}, nil
		}
	}

	cfg, err := f.loadShared(ctx, profileName, region)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config for profile %s: %w", profileName, err)
	}
	return cfg, nil
}

// Invalidate drops configs, cached responses and identity for a profile.
func (f *ClientFactory) Invalidate(profileName string) {
	f.mu.Lock()
	for k := range f.configs {
		if strings.HasPrefix(k, profileName+"|") {
			delete(f.configs, k)
		}
	}
	f.mu.Unlock()

	n := f.cache.Clear(profileName + ":")
	f.logger.Debug().Str("profile", profileName).Int("cache_entries", n).Msg("aws state invalidated")
}

func (f *ClientFactory) logAPICall(cred profile.Credential, service, operation, region string, err error) {
	ev := f.logger.Debug()
	if err != nil {
		ev = f.logger.Warn().Err(err)
	}
	ev.Str("profile", cred.Profile).Str("service", service).Str("operation", operation).Str("region", region).Msg("aws api call")

	f.mu.Lock()
	rec := f.recorder
	f.mu.Unlock()
	if rec == nil {
		return
	}
	fields := map[string]any{
		"profile":   cred.Profile,
		"service":   service,
		"operation": operation,
		"region":    region,
		"success":   err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if rerr := rec.Record("aws_api_call", fields); rerr != nil {
		f.logger.Warn().Err(rerr).Msg("recording aws api call")
	}
}

// call waits on the service rate limit, runs fn and logs the outcome.
func (f *ClientFactory) call(cred profile.Credential, service, operation, region string, fn func() error) error {
	f.rateLimiter.Wait(service)
	err := fn()
	f.logAPICall(cred, service, operation, region, err)
	return err
}

func cacheKey(cred profile.Credential, parts ...string) string {
	return cred.Profile + ":" + strings.Join(parts, ":")
}

// --- Service clients ---

func (f *ClientFactory) STS(ctx context.Context, cred profile.Credential) (*sts.Client, error) {
	cfg, err := f.Config(ctx, cred, "")
	if err != nil {
		return nil, err
	}
	return sts.NewFromConfig(cfg), nil
}

func (f *ClientFactory) IAM(ctx context.Context, cred profile.Credential) (*iam.Client, error) {
	cfg, err := f.Config(ctx, cred, "")
	if err != nil {
		return nil, err
	}
	return iam.NewFromConfig(cfg), nil
}

func (f *ClientFactory) EC2(ctx context.Context, cred profile.Credential, region string) (*ec2.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return ec2.NewFromConfig(cfg), nil
}

func (f *ClientFactory) S3(ctx context.Context, cred profile.Credential) (*s3.Client, error) {
	cfg, err := f.Config(ctx, cred, "")
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

func (f *ClientFactory) RDS(ctx context.Context, cred profile.Credential, region string) (*rds.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return rds.NewFromConfig(cfg), nil
}

func (f *ClientFactory) Lambda(ctx context.Context, cred profile.Credential, region string) (*lambda.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return lambda.NewFromConfig(cfg), nil
}

func (f *ClientFactory) ECS(ctx context.Context, cred profile.Credential, region string) (*ecs.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return ecs.NewFromConfig(cfg), nil
}

func (f *ClientFactory) KMS(ctx context.Context, cred profile.Credential, region string) (*kms.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return kms.NewFromConfig(cfg), nil
}

func (f *ClientFactory) SecretsManager(ctx context.Context, cred profile.Credential, region string) (*secretsmanager.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func (f *ClientFactory) SSM(ctx context.Context, cred profile.Credential, region string) (*ssm.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return ssm.NewFromConfig(cfg), nil
}

func (f *ClientFactory) CloudWatchLogs(ctx context.Context, cred profile.Credential, region string) (*cloudwatchlogs.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return cloudwatchlogs.NewFromConfig(cfg), nil
}

func (f *ClientFactory) CloudTrail(ctx context.Context, cred profile.Credential, region string) (*cloudtrail.Client, error) {
	cfg, err := f.Config(ctx, cred, region)
	if err != nil {
		return nil, err
	}
	return cloudtrail.NewFromConfig(cfg), nil
}

// CostExplorer clients always target us-east-1, the service's only endpoint.
func (f *ClientFactory) CostExplorer(ctx context.Context, cred profile.Credential) (*costexplorer.Client, error) {
	cfg, err := f.Config(ctx, cred, "us-east-1")
	if err != nil {
		return nil, err
	}
	return costexplorer.NewFromConfig(cfg), nil
}

// --- Rate limiter ---

// RateLimiter spaces calls to the same service by a minimum interval.
type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec int
	lastCall   map[string]time.Time
}

func NewRateLimiter(ratePerSec int) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &RateLimiter{ratePerSec: ratePerSec, lastCall: make(map[string]time.Time)}
}

// Wait blocks until service's next slot. The slot is reserved under the
// lock and slept for outside it, so other services never queue behind it.
func (rl *RateLimiter) Wait(service string) {
	interval := time.Second / time.Duration(rl.ratePerSec)

	rl.mu.Lock()
	now := time.Now()
	slot := now
	if last, ok := rl.lastCall[service]; ok && last.Add(interval).After(now) {
		slot = last.Add(interval)
	}
	rl.lastCall[service] = slot
	rl.mu.Unlock()

	if d := slot.Sub(now); d > 0 {
		time.Sleep(d)
	}
}

// --- Response cache ---

type cacheEntry struct {
	data      any
	expiresAt time.Time
}

// ResponseCache is an in-memory TTL cache for read-only responses.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{entries: make(map[string]cacheEntry), ttl: ttl}
}

// Get returns a live entry.
func (c *ResponseCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.data, true
}

// Put stores a value for the cache TTL.
func (c *ResponseCache) Put(key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, expiresAt: time.Now().Add(c.ttl)}
}

// Clear removes entries with the given key prefix, or all entries when the
// prefix is empty, and returns how many were removed.
func (c *ResponseCache) Clear(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// cached returns the cached value under key or computes and stores it.
func cached[T any](c *ResponseCache, key string, fn func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	v, err := fn()
	if err != nil {
		var zero T
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}
