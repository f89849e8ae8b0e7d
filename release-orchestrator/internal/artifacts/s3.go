package artifacts

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// uploader is the part of manager.Uploader the store uses.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store streams uploads to S3 with SSE-AES256. The object carries its sha256 as
// metadata once the upload finished hashing the body.
type S3Store struct {
	bucket   string
	uploader uploader
}

func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{bucket: bucket, uploader: manager.NewUploader(s3.NewFromConfig(cfg))}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hr := newHashingReader(body)
	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 hr,
		ContentType:          aws.String(contentType),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return Object{}, fmt.Errorf("s3 upload failed: %w", err)
	}
	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	if out != nil && out.Location != "" {
		location = out.Location
	}
	return Object{Key: key, Location: location, Size: hr.size, SHA256: hr.digest()}, nil
}
