package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/gftdcojp/epics-archiver-mcp/internal/block"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/metrics"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tier"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by the blob tier.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const objectDir = "responses/"

// Store implements tier.TierStore for S3-compatible object storage.
type Store struct {
	s3     S3API
	bucket string
	cfg    config.BlobTierConfig
	logger *zap.Logger
}

// NewStore creates a new blob store using an S3API implementation.
func NewStore(s3api S3API, bucket string, cfg config.BlobTierConfig, logger *zap.Logger) *Store {
	return &Store{
		s3:     s3api,
		bucket: bucket,
		cfg:    cfg,
		logger: logger,
	}
}

// ObjectKey returns the object key holding key: <prefix>responses/<id[:2]>/<id>.blk.
func (s *Store) ObjectKey(key tier.Key) string {
	id := key.ID()
	return s.listPrefix() + id[:2] + "/" + id + ".blk"
}

func (s *Store) listPrefix() string {
	return s.cfg.Prefix + objectDir
}

func (s *Store) Put(ctx context.Context, key tier.Key, data *block.Block) error {
	objKey := s.ObjectKey(key)

	metadata := map[string]string{
		"pv":         key.PV,
		"start":      key.Start.UTC().Format(time.RFC3339Nano),
		"end":        key.End.UTC().Format(time.RFC3339Nano),
		"data-bytes": strconv.Itoa(len(data.Data)),
		"codec":      data.Codec.String(),
	}

	start := time.Now()
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &objKey,
		Body:        bytes.NewReader(data.Raw),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    metadata,
	})
	if err != nil {
		metrics.S3UploadErrors.WithLabelValues(errorType(err)).Inc()
		return fmt.Errorf("uploading response to S3: %w", err)
	}
	metrics.S3UploadDuration.Observe(time.Since(start).Seconds())

	s.logger.Debug("response uploaded to S3",
		zap.String("id", key.ID()),
		zap.String("key", objKey),
		zap.Int64("size", data.SizeBytes),
	)

	return nil
}

func (s *Store) Get(ctx context.Context, key tier.Key) (*block.Block, error) {
	objKey := s.ObjectKey(key)
	start := time.Now()
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading response from S3: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 response: %w", err)
	}
	metrics.S3DownloadDuration.Observe(time.Since(start).Seconds())

	return block.Decode(raw)
}

func (s *Store) Delete(ctx context.Context, key tier.Key) error {
	return s.DeleteObject(ctx, s.ObjectKey(key))
}

// DeleteObject removes an object by its full key.
func (s *Store) DeleteObject(ctx context.Context, objKey string) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		return fmt.Errorf("deleting response from S3: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key tier.Key) (bool, error) {
	objKey := s.ObjectKey(key)
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		return false, nil // treat any error as not found
	}
	return true, nil
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListObjects returns every response object under the configured prefix.
func (s *Store) ListObjects(ctx context.Context) ([]ObjectInfo, error) {
	prefix := s.listPrefix()
	p := s3.NewListObjectsV2Paginator(s.s3, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})

	var out []ObjectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if !strings.HasSuffix(k, ".blk") {
				continue
			}
			out = append(out, ObjectInfo{
				Key:          k,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (tier.TierStats, error) {
	objs, err := s.ListObjects(ctx)
	if err != nil {
		return tier.TierStats{}, err
	}
	st := tier.TierStats{
		Tier:        tier.TierBlob,
		EntryCount:  int64(len(objs)),
		CapacityMax: -1, // unlimited
	}
	for _, o := range objs {
		st.TotalBytes += o.Size
	}
	return st, nil
}

func (s *Store) Close() error {
	return nil
}

// errorType labels S3 failures by API error code where one is available.
func errorType(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}
