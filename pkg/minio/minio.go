package minio

import (
	"context"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/config"
)

var Client = fx.Module("minio.client", fx.Provide(registerClient))

// registerClient returns nil when MINIO.ENDPOINT is empty; history export is
// then reported as unavailable instead of failing startup.
func registerClient(c *config.Config) (*minio.Client, error) {
	if c.Minio.Endpoint == "" {
		zap.L().Warn("MinIO endpoint not configured, history export disabled")
		return nil, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, c.Minio.BucketName)
	if err != nil {
		zap.L().Error("failed to check if bucket exists",
			zap.String("endpoint", c.Minio.Endpoint),
			zap.String("bucket", c.Minio.BucketName),
			zap.Error(err),
		)
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, c.Minio.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.String("bucket", c.Minio.BucketName), zap.Bool("created", !exists))
	return client, nil
}
