package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"server-dr/internal/config"
)

// S3Destination stores archives in an S3 bucket or an S3 compatible store
type S3Destination struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Destination creates a session with static credentials
func NewS3Destination(cfg *config.S3Config, prefix string) (*S3Destination, error) {
	if cfg == nil {
		return nil, configError("S3 storage configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, configError("S3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, configError("S3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, configError("S3 access_key and secret_key are required")
	}

	awsCfg := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, storageError("failed to create AWS session", err)
	}

	client := s3.New(sess)
	return &S3Destination{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
		prefix:   prefix,
	}, nil
}

func (d *S3Destination) objectKey(key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return joinPrefix(d.prefix, k), nil
}

// Upload streams r as a multipart upload
func (d *S3Destination) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	k, err := d.objectKey(key)
	if err != nil {
		return err
	}
	_, err = d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(k),
		Body:   r,
	})
	if err != nil {
		return storageError("failed to upload archive to S3", err)
	}
	return nil
}

// Download copies the object body into w
func (d *S3Destination) Download(ctx context.Context, key string, w io.Writer) error {
	k, err := d.objectKey(key)
	if err != nil {
		return err
	}
	out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return notFoundError(key, err)
		}
		return storageError("failed to get archive from S3", err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return storageError("failed to read archive from S3", err)
	}
	return nil
}

// Delete removes the object
func (d *S3Destination) Delete(ctx context.Context, key string) error {
	k, err := d.objectKey(key)
	if err != nil {
		return err
	}
	_, err = d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return storageError("failed to delete archive from S3", err)
	}
	return nil
}

// List pages through every object under prefix
func (d *S3Destination) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(joinPrefix(d.prefix, prefix)),
	}
	err := d.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, Object{
				Key:     trimPrefix(d.prefix, key),
				Size:    aws.Int64Value(obj.Size),
				ModTime: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, storageError("failed to list S3 objects", err)
	}
	return objects, nil
}

// HealthCheck verifies the bucket is reachable with the configured credentials
func (d *S3Destination) HealthCheck(ctx context.Context) error {
	_, err := d.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	if err != nil {
		return storageError("S3 bucket is not accessible", err)
	}
	return nil
}

// Type returns "s3"
func (d *S3Destination) Type() string { return "s3" }

// Close is a no-op, the AWS session holds no connections of its own
func (d *S3Destination) Close() error { return nil }
