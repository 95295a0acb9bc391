package api

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/config"
)

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// s3Presigner generates presigned GET URLs for report artifacts stored
// in S3.
type s3Presigner struct {
	log           logrus.FieldLogger
	cfg           *config.S3ReportsConfig
	presignClient *s3.PresignClient
	expiry        time.Duration
	cacheTTL      time.Duration
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
}

// newS3Presigner creates a new S3 presigner from the given configuration.
func newS3Presigner(
	log logrus.FieldLogger,
	cfg *config.S3ReportsConfig,
) (*s3Presigner, error) {
	expiry, err := time.ParseDuration(cfg.PresignExpiry)
	if err != nil {
		return nil, fmt.Errorf("parsing presign_expiry: %w", err)
	}

	presignClient := s3.NewPresignClient(newReportS3Client(cfg))

	return &s3Presigner{
		log:           log.WithField("component", "s3-presigner"),
		cfg:           cfg,
		presignClient: presignClient,
		expiry:        expiry,
		cacheTTL:      expiry / 2,
		cache:         make(map[string]presignCacheEntry),
	}, nil
}

// PresignGet returns a presigned GET URL for the given report key.
// Results are cached for half the presigned URL expiry duration to avoid
// redundant presigning while ensuring URLs always have sufficient
// validity.
func (p *s3Presigner) PresignGet(ctx context.Context, key string) (string, error) {
	if !isCleanKey(key) {
		return "", fmt.Errorf("invalid report key %q", key)
	}

	now := time.Now()

	// Fast path: check cache under read lock.
	p.mu.RLock()
	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	// Slow path: acquire write lock and double-check.
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	p.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}

// isCleanKey rejects empty, traversal or unclean keys.
func isCleanKey(key string) bool {
	if key == "" || strings.Contains(key, "..") {
		return false
	}

	return path.Clean(key) == key
}

// newReportS3Client constructs an S3 client from the report config.
func newReportS3Client(cfg *config.S3ReportsConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
