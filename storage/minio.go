package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/models"
)

// weightExtensions are the files a finished training run leaves behind
var weightExtensions = []string{".safetensors", ".pt"}

// objectAPI is the subset of *minio.Client used here
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// MinIOClient lists the Modal training output bucket
type MinIOClient struct {
	client objectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// MinIOConfig holds MinIO connection configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Prefix is the directory holding one folder per job id
	Prefix string
}

// NewMinIOClient creates a MinIO client with explicit configuration
func NewMinIOClient(config MinIOConfig, logger *zap.Logger) (*MinIOClient, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return newMinIOClient(minioClient, config.Bucket, config.Prefix, logger), nil
}

func newMinIOClient(client objectAPI, bucket, prefix string, logger *zap.Logger) *MinIOClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinIOClient{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(zap.String("bucket", bucket)),
	}
}

// EnsureBucket creates the bucket if it doesn't exist
func (m *MinIOClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	m.logger.Info("Creating MinIO bucket")
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Provider reports which jobs this inventory covers
func (m *MinIOClient) Provider() models.Provider {
	return models.ProviderModal
}

// FindArtifact looks for trained weights under <prefix>/<jobID>/. It returns
// nil without error when the job has produced nothing yet.
func (m *MinIOClient) FindArtifact(ctx context.Context, job *models.TrainingJob) (*models.ResultArtifact, error) {
	dir := job.ID + "/"
	if m.prefix != "" {
		dir = m.prefix + "/" + dir
	}

	var files []string
	var weights []minio.ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: dir, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, obj.Err)
		}
		files = append(files, strings.TrimPrefix(obj.Key, dir))
		if isWeightFile(obj.Key) {
			weights = append(weights, obj)
		}
	}
	if len(weights) == 0 {
		m.logger.Debug("No trained weights found", zap.String("job_id", job.ID), zap.Int("objects", len(files)))
		return nil, nil
	}

	// newest weights file is the final checkpoint
	sort.Slice(weights, func(i, j int) bool { return weights[i].LastModified.After(weights[j].LastModified) })
	latest := weights[0]
	sort.Strings(files)

	return &models.ResultArtifact{
		ModelURL:   fmt.Sprintf("s3://%s/%s", m.bucket, dir),
		WeightsURL: fmt.Sprintf("s3://%s/%s", m.bucket, latest.Key),
		Files:      files,
		Info: map[string]interface{}{
			"weightsSize":  latest.Size,
			"lastModified": latest.LastModified.UTC(),
			"etag":         latest.ETag,
		},
	}, nil
}

func isWeightFile(key string) bool {
	ext := strings.ToLower(path.Ext(key))
	for _, e := range weightExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
