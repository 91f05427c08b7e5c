// Package artifacts stores run outputs (HTML reports, screenshots, traces,
// k6 summaries) in S3-compatible object storage. Keys are tenant-scoped so a
// signed URL for one tenant can never name another tenant's objects.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
	cfg "github.com/supercheck-io/supercheck/internal/config"
)

// Per-object size ceilings, by rough content class.
const (
	MaxReportSize  = 50 << 20
	MaxCaptureSize = 10 << 20
)

const signedURLTTL = 15 * time.Minute

// EntityType selects the destination bucket.
type EntityType string

const (
	EntityRun  EntityType = "run"
	EntityTest EntityType = "test"
	EntityJob  EntityType = "job"
)

// s3API is the slice of the S3 client the sink uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// presignAPI mirrors the presign client's method set.
type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest carries the signed URL. Aliased so tests can fake the
// presigner without constructing SDK internals.
type v4PresignedRequest struct {
	URL string
}

// sdkPresigner adapts s3.PresignClient to presignAPI.
type sdkPresigner struct {
	pc *s3.PresignClient
}

func (p sdkPresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := p.pc.PresignGetObject(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL}, nil
}

// Sink writes and signs artifact objects.
type Sink struct {
	client    s3API
	presigner presignAPI
	buckets   map[EntityType]string
	logger    *zap.Logger
}

// New builds a sink from configuration, wiring the AWS SDK with the optional
// custom endpoint for S3-compatible stores.
func New(ctx context.Context, c cfg.Config, logger *zap.Logger) (*Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(c.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		client:    client,
		presigner: sdkPresigner{pc: s3.NewPresignClient(client)},
		buckets: map[EntityType]string{
			EntityRun:  c.RunBucket,
			EntityTest: c.TestBucket,
			EntityJob:  c.JobBucket,
		},
		logger: logger,
	}, nil
}

// Key builds the canonical object key for an artifact file.
func Key(entity EntityType, tenantID, projectID, entityID, filename string) string {
	return path.Join(string(entity), tenantID, projectID, entityID, filename)
}

func (s *Sink) bucket(entity EntityType) (string, error) {
	b, ok := s.buckets[entity]
	if !ok || b == "" {
		return "", fmt.Errorf("no bucket configured for entity type %q", entity)
	}
	return b, nil
}

// contentTypeFor guesses a content type from the file extension, defaulting
// to octet-stream so browsers never sniff unknown uploads.
func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// maxSizeFor returns the size ceiling for a file, by extension class.
func maxSizeFor(filename string) int64 {
	switch strings.ToLower(path.Ext(filename)) {
	case ".html", ".json", ".zip":
		return MaxReportSize
	default:
		return MaxCaptureSize
	}
}

// PutStream uploads one artifact, enforcing the per-class size ceiling, and
// returns the stored object key.
func (s *Sink) PutStream(ctx context.Context, entity EntityType, tenantID, projectID, entityID, filename string, r io.Reader, size int64) (string, error) {
	bucket, err := s.bucket(entity)
	if err != nil {
		return "", err
	}
	if limit := maxSizeFor(filename); size > limit {
		return "", apperr.Newf(apperr.KindValidation,
			"artifact %s is %d bytes, limit %d", filename, size, limit)
	}

	key := Key(entity, tenantID, projectID, entityID, filename)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentTypeFor(filename)),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientIO, "put artifact", err)
	}

	s.logger.Debug("artifact stored",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int64("size", size),
	)
	return key, nil
}

// SignedRead returns a time-limited read URL for a stored artifact. The
// caller must have already authorized the tenant against the key prefix.
func (s *Sink) SignedRead(ctx context.Context, entity EntityType, key string) (string, error) {
	bucket, err := s.bucket(entity)
	if err != nil {
		return "", err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = signedURLTTL
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientIO, "sign artifact url", err)
	}
	return req.URL, nil
}

// DeletePrefix removes every object under a key prefix. Used by the
// data-lifecycle cleanup when runs age out of retention.
func (s *Sink) DeletePrefix(ctx context.Context, entity EntityType, prefix string) (int, error) {
	bucket, err := s.bucket(entity)
	if err != nil {
		return 0, err
	}

	deleted := 0
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, apperr.Wrap(apperr.KindTransientIO, "list artifacts", err)
		}
		for _, obj := range out.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			}); err != nil {
				return deleted, apperr.Wrap(apperr.KindTransientIO, "delete artifact", err)
			}
			deleted++
		}
		if out.NextContinuationToken == nil {
			return deleted, nil
		}
		token = out.NextContinuationToken
	}
}
