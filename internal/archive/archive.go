// Package archive copies final room snapshots to S3-compatible object storage
// for disaster recovery. Uploads are best effort: the authoritative snapshot
// lives in the document store, so archive failures are logged and dropped.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SnapshotArchive uploads encoded document states using AWS SDK v2 against an
// R2-style endpoint.
type SnapshotArchive struct {
	client *s3.Client
	bucket string
}

// New creates a snapshot archive client.
func New(accountID, accessKeyID, secretAccessKey, bucket string) (*SnapshotArchive, error) {
	if accountID == "" || accessKeyID == "" || secretAccessKey == "" || bucket == "" {
		return nil, fmt.Errorf("archive configuration incomplete")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
	creds := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")

	client := s3.New(s3.Options{
		Region:       "auto",
		Credentials:  creds,
		BaseEndpoint: aws.String(endpoint),
	})

	return &SnapshotArchive{client: client, bucket: bucket}, nil
}

// Put stores the latest snapshot for a room, replacing any previous one.
func (a *SnapshotArchive) Put(ctx context.Context, roomKey string, blob []byte) error {
	key := fmt.Sprintf("rooms/%s/snapshot.bin", roomKey)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("archive snapshot for %s: %w", roomKey, err)
	}
	return nil
}

// Delete removes an archived snapshot after a room purge.
func (a *SnapshotArchive) Delete(ctx context.Context, roomKey string) error {
	key := fmt.Sprintf("rooms/%s/snapshot.bin", roomKey)
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete archived snapshot for %s: %w", roomKey, err)
	}
	return nil
}
