package artifacts

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/cuemby/crucible/pkg/config"
	"github.com/cuemby/crucible/pkg/log"
)

// Uploader publishes collected log files to S3-compatible blob storage.
type Uploader struct {
	bucket string
	root   string
	up     *s3manager.Uploader
}

// NewUploader builds an uploader from the storage configuration.
func NewUploader(cfg config.StorageConfig) (*Uploader, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob storage session: %w", err)
	}

	return &Uploader{
		bucket: cfg.Bucket,
		root:   cfg.ArtifactsRoot,
		up:     s3manager.NewUploader(sess),
	}, nil
}

// UploadDir uploads every regular file under dir to
// <artifacts_root>/<taskID>/<basename> and returns basename -> remote URL.
func (u *Uploader) UploadDir(dir, taskID string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts dir %s: %w", dir, err)
	}

	logger := log.WithTaskID(taskID)
	uploaded := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return uploaded, fmt.Errorf("failed to open artifact %s: %w", name, err)
		}

		key := filepath.ToSlash(filepath.Join(u.root, taskID, name))
		out, err := u.up.Upload(&s3manager.UploadInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return uploaded, fmt.Errorf("failed to upload artifact %s: %w", name, err)
		}

		uploaded[name] = out.Location
		logger.Debug().Str("artifact", name).Str("url", out.Location).Msg("artifact uploaded")
	}
	return uploaded, nil
}
