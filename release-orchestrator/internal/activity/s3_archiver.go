package activity

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/canonical"
)

// Archiver stores an entry durably and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, e Entry) (string, error)
}

// S3Archiver writes canonical entries to
//
//	s3://<bucket>/<prefix>/activity/YYYY/MM/DD/<entryID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver loads AWS credentials from the environment.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

func ObjectKey(prefix string, e Entry) string {
	year, month, day := e.CreatedAt.UTC().Date()
	return path.Join(prefix, "activity",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", e.ID),
	)
}

func (s *S3Archiver) Archive(ctx context.Context, e Entry) (string, error) {
	body, err := canonical.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	key := ObjectKey(s.prefix, e)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
