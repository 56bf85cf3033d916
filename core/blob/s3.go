package blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fleetware-tech/fleetware/core/logger"
)

// S3 is the implementation of the blob Driver for AWS S3
type S3 struct {
	config      aws.Config
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3
func NewS3(blobConfig S3Configuration) (*S3, error) {
	if blobConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	config, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(blobConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(blobConfig.AccessID, blobConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 blob storage enabled")
	s := S3{config, blobConfig.AWSBucketName, blobConfig.KeyPrefix}
	return &s, nil
}

// Upload uploads data into a new key object
func (s *S3) Upload(ctx context.Context, key string, data []byte) error {
	uploader := manager.NewUploader(s3.NewFromConfig(s.config))
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %v", s.baseKeyName+key, err)
	}
	return nil
}

// Download returns the data stored under key
func (s *S3) Download(ctx context.Context, key string) ([]byte, error) {
	downloader := manager.NewDownloader(s3.NewFromConfig(s.config))
	buffer := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %v", s.baseKeyName+key, err)
	}
	return buffer.Bytes(), nil
}

// Delete deletes the key object
func (s *S3) Delete(ctx context.Context, key string) error {
	client := s3.NewFromConfig(s.config)
	logger.Default().Infoln("deleting", s.baseKeyName+key)
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.Default().Error("could not delete ", s.baseKeyName+key)
		return err
	}
	return nil
}
