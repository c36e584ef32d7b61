// Package s3 archives alerts as JSON objects in S3 or an S3-compatible
// store such as MinIO.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type Config struct {
	Region string
	Bucket string
	// Prefix is prepended verbatim to every key.
	Prefix string
	// Endpoint overrides the AWS endpoint, for MinIO or LocalStack.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool

	StorageClass string
	// ServerSideEncryption is "", "AES256" or "aws:kms".
	ServerSideEncryption string
	KMSKeyID             string

	RetryMaxAttempts int
	Timeout          time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "chainwatch-alerts",
		Prefix:           "alerts/",
		StorageClass:     "STANDARD",
		RetryMaxAttempts: 3,
		Timeout:          30 * time.Second,
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Region == "" {
		errs = append(errs, errors.New("s3: region is required"))
	}
	if c.Bucket == "" {
		errs = append(errs, errors.New("s3: bucket is required"))
	}
	return errors.Join(errs...)
}

var storageClasses = map[string]types.StorageClass{
	"STANDARD":            types.StorageClassStandard,
	"STANDARD_IA":         types.StorageClassStandardIa,
	"ONEZONE_IA":          types.StorageClassOnezoneIa,
	"INTELLIGENT_TIERING": types.StorageClassIntelligentTiering,
	"GLACIER":             types.StorageClassGlacier,
	"GLACIER_IR":          types.StorageClassGlacierIr,
	"DEEP_ARCHIVE":        types.StorageClassDeepArchive,
}

// GetStorageClass maps the configured class name, case-insensitively.
// Unknown names fall back to STANDARD.
func (c *Config) GetStorageClass() types.StorageClass {
	if sc, ok := storageClasses[strings.ToUpper(c.StorageClass)]; ok {
		return sc
	}
	return types.StorageClassStandard
}

// PutObjectAPI is satisfied by *s3.Client.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client writes objects into one bucket.
type Client struct {
	api    PutObjectAPI
	cfg    *Config
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats counts successful uploads and failures.
type Stats struct {
	Objects int64
	Bytes   int64
	Errors  int64
}

// NewClient resolves AWS credentials the usual way, preferring static keys
// from cfg when both are set.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	if cfg.RetryMaxAttempts > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	c := NewClientWithAPI(api, cfg, logger)
	c.logger.Info("s3 archive ready", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return c, nil
}

func NewClientWithAPI(api PutObjectAPI, cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, cfg: cfg, logger: logger.With("component", "s3")}
}

// PutJSON stores v as application/json under Prefix+key.
func (c *Client) PutJSON(ctx context.Context, key string, v any, metadata map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("s3: marshal %s: %w", key, err)
	}
	key = c.cfg.Prefix + key

	in := &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		StorageClass:  c.cfg.GetStorageClass(),
		Metadata:      metadata,
	}
	switch c.cfg.ServerSideEncryption {
	case "AES256":
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.cfg.KMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(c.cfg.KMSKeyID)
		}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	_, err = c.api.PutObject(ctx, in)

	c.mu.Lock()
	if err != nil {
		c.stats.Errors++
	} else {
		c.stats.Objects++
		c.stats.Bytes += int64(len(data))
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("s3: put s3://%s/%s: %w", c.cfg.Bucket, key, err)
	}
	c.logger.Debug("object stored", "key", key, "bytes", len(data))
	return nil
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// UndatedPrefix holds alerts whose block time is unknown.
const UndatedPrefix = "undated"

// AlertKey is YYYY/MM/DD/<rule>/<id>.json on the UTC block date, so a
// day of one rule's alerts shares a prefix. Without a block time the key is
// undated/<rule>/<id>.json.
func AlertKey(blockTime time.Time, ruleID, alertID string) string {
	day := UndatedPrefix
	if !blockTime.IsZero() && blockTime.Unix() > 0 {
		day = blockTime.UTC().Format("2006/01/02")
	}
	return day + "/" + ruleID + "/" + alertID + ".json"
}
