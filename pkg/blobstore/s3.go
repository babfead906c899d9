package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"

	"github.com/meridianhq/drydock/pkg/config"
)

// S3 stores blobs in a bucket, one object per id. Works against AWS or any
// S3-compatible store via the endpoint override.
type S3 struct {
	bucket     string
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

// NewS3 builds an S3 blobstore from config.
func NewS3(cfg config.S3BlobstoreConfig) (*S3, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}
	if cfg.ForcePathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 session: %w", err)
	}
	return &S3{
		bucket:     cfg.Bucket,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}, nil
}

// Put spools the stream to a temp file first: the SHA1 has to cover exactly
// the bytes stored, and the uploader needs a seekable body for retries.
func (s *S3) Put(ctx context.Context, r io.Reader) (string, string, error) {
	tmp, err := os.CreateTemp("", "drydock-blob-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to spool blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return "", "", fmt.Errorf("failed to spool blob: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", "", fmt.Errorf("failed to rewind blob spool: %w", err)
	}

	id := uuid.NewString()
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
		Body:   tmp,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to upload blob %s: %w", id, err)
	}
	return id, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *S3) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", id, err)
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil
		}
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	return nil
}
