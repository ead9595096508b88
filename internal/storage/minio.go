package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/michaelmcclelland/nimbus-requeue/internal/config"
	"github.com/michaelmcclelland/nimbus-requeue/internal/requeue"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient connects to the object store and makes sure bucket exists.
func NewMinIOClient(ctx context.Context, cfg config.MinIOConfig) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	mc := &MinIOClient{client: client}
	if err := mc.ensureBucket(ctx, cfg.Bucket); err != nil {
		return nil, err
	}

	return mc, nil
}

func (m *MinIOClient) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (m *MinIOClient) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)
	_, err := m.client.PutObject(ctx, bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("putting object %s/%s: %w", bucket, key, err)
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// ReportArchiver stores each run's report as JSON. Message bodies are never
// part of a report.
type ReportArchiver struct {
	store  objectPutter
	bucket string
}

func NewReportArchiver(store *MinIOClient, bucket string) *ReportArchiver {
	return &ReportArchiver{store: store, bucket: bucket}
}

func (a *ReportArchiver) Record(ctx context.Context, report *requeue.Report) error {
	data, err := json.MarshalIndent(struct {
		*requeue.Report
		Summary requeue.Summary `json:"summary"`
	}{report, report.Summary()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report %s: %w", report.RunID, err)
	}
	return a.store.PutObject(ctx, a.bucket, ReportKey(report.Queue, report.StartedAt, report.RunID), data, "application/json")
}
