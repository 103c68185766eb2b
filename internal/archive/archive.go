// Package archive copies persisted note state into object storage. The CRDT
// state blob in Postgres is the working copy; the archive is the off-database
// copy used for backups and bulk restores.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service stores note snapshots in an S3-compatible bucket.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to object storage and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// PutSnapshot uploads a note's serialized CRDT state.
func (s *Service) PutSnapshot(ctx context.Context, noteID string, state []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(noteID),
		bytes.NewReader(state), int64(len(state)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("archive note %s: %w", noteID, err)
	}
	return nil
}

// GetSnapshot downloads a note's archived CRDT state.
func (s *Service) GetSnapshot(ctx context.Context, noteID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(noteID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch archive for note %s: %w", noteID, err)
	}
	defer obj.Close()

	state, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read archive for note %s: %w", noteID, err)
	}
	return state, nil
}

// DeleteSnapshot removes a note's archived state.
func (s *Service) DeleteSnapshot(ctx context.Context, noteID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(noteID), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("delete archive for note %s: %w", noteID, err)
	}
	return nil
}

func objectKey(noteID string) string {
	return "notes/" + noteID + "/state.automerge"
}
