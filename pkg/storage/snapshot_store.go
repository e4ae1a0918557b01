package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3SnapshotStore archives room snapshots in S3-compatible storage
type S3SnapshotStore struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// S3SnapshotStoreConfig holds S3 configuration
type S3SnapshotStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "snapshots"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3SnapshotStore creates a new S3-backed snapshot store
func NewS3SnapshotStore(ctx context.Context, cfg S3SnapshotStoreConfig) (*S3SnapshotStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3SnapshotStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		now:    time.Now,
	}, nil
}

// Store uploads one snapshot and returns its s3:// reference.
func (s *S3SnapshotStore) Store(ctx context.Context, room string, state []byte) (string, error) {
	key := snapshotKey(s.prefix, room, s.now())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(state),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"room": room},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve downloads a snapshot by its s3:// reference or bare key.
func (s *S3SnapshotStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(extractKey(reference)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

func extractKey(reference string) string {
	rest, ok := strings.CutPrefix(reference, "s3://")
	if !ok {
		return reference
	}
	if _, key, found := strings.Cut(rest, "/"); found {
		return key
	}
	return rest
}

// snapshotKey groups snapshots by room and day. Room names are escaped so a
// room can never address another prefix.
func snapshotKey(prefix, room string, at time.Time) string {
	key := fmt.Sprintf("%s/%s/%s.bin",
		escapeRoom(room), at.UTC().Format("2006/01/02"), at.UTC().Format("150405.000000000"))
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func escapeRoom(room string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(room)
}

// LocalSnapshotStore keeps snapshots on the local filesystem (for development/single-node)
type LocalSnapshotStore struct {
	basePath string
	now      func() time.Time
}

// NewLocalSnapshotStore creates a local filesystem snapshot store
func NewLocalSnapshotStore(basePath string) (*LocalSnapshotStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &LocalSnapshotStore{basePath: basePath, now: time.Now}, nil
}

func (l *LocalSnapshotStore) Store(_ context.Context, room string, state []byte) (string, error) {
	path := filepath.Join(l.basePath, filepath.FromSlash(snapshotKey("", room, l.now())))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, state, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return path, nil
}

// Retrieve only reads files below the store's base path.
func (l *LocalSnapshotStore) Retrieve(_ context.Context, reference string) ([]byte, error) {
	rel, err := filepath.Rel(l.basePath, reference)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(reference)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}
