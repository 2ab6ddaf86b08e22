package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kjk/kvlog/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Remote stores backup files
type Remote interface {
	UploadFile(ctx context.Context, remotePath string, path string) error
	DownloadFile(ctx context.Context, dstPath string, remotePath string) error
}

// MinioClient is a Remote in an S3-compatible bucket
type MinioClient struct {
	Client *minio.Client
	Bucket string
}

var _ Remote = &MinioClient{}

// NewMinioClient connects to the bucket and checks it exists
func NewMinioClient(ctx context.Context, c *config.S3Config, trace io.Writer) (*MinioClient, error) {
	if c == nil {
		return nil, errors.New("must provide config")
	}
	if err := c.Valid(); err != nil {
		return nil, err
	}
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: true,
	})
	if err != nil {
		return nil, err
	}
	if trace != nil {
		mc.TraceOn(trace)
	}
	found, err := mc.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("bucket '%s' doesn't exist", c.Bucket)
	}
	return &MinioClient{
		Client: mc,
		Bucket: c.Bucket,
	}, nil
}

func (c *MinioClient) UploadFile(ctx context.Context, remotePath string, path string) error {
	opts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}
	_, err := c.Client.FPutObject(ctx, c.Bucket, remotePath, path, opts)
	return err
}

// DownloadFile writes remotePath to dstPath, replacing it only
// if the whole object was downloaded
func (c *MinioClient) DownloadFile(ctx context.Context, dstPath string, remotePath string) error {
	obj, err := c.Client.GetObject(ctx, c.Bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	f, err := NewAtomicFile(dstPath)
	if err != nil {
		return err
	}
	defer f.Cancel()
	if _, err = io.Copy(f, obj); err != nil {
		return err
	}
	return f.Close()
}
