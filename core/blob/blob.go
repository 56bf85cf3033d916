package blob

import "context"

// blob package provides functionality to store large binary artifacts outside
// of the standard fleetware database. There are currently two possible
// backends: a local file system and AWS S3.

// Driver defines the interface for the blob service
type Driver interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DriverType represents the different type of blob drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the blob service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the blob service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no blob implementation
const None DriverType = ""

// Configuration contains the configuration for the blob service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem blob service
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the AWS S3 blob service
type S3Configuration struct {
	AWSRegion     string
	AWSBucketName string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}
