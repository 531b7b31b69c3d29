package state

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Backend stores the serialized state document between runs.
type Backend interface {
	// Load returns nil data when nothing has been saved yet.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Name() string
}

// NewBackend builds the backend selected by cfg, or nil when none is configured.
func NewBackend(ctx context.Context, cfg config.StateConfig) (Backend, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "file":
		return &FileBackend{Path: cfg.Path}, nil
	case "s3":
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "loading AWS configuration")
		}
		return NewS3Backend(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Key), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown state backend %q", cfg.Backend)
	}
}

// FileBackend keeps state in a local file, replaced atomically on save.
type FileBackend struct {
	Path string
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "reading state file").WithDetail("path", f.Path)
	}
	return data, nil
}

func (f *FileBackend) Save(_ context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".state-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "creating temporary state file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeFile, "writing state file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "closing state file")
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "replacing state file").WithDetail("path", f.Path)
	}
	return nil
}

// s3API is the subset of the S3 client the backend uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backend keeps state in a single S3 object.
type S3Backend struct {
	client s3API
	bucket string
	key    string
}

// NewS3Backend stores state at s3://bucket/key.
func NewS3Backend(client s3API, bucket, key string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, key: key}
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) Load(ctx context.Context) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "fetching state object").
			WithDetail("bucket", b.bucket).WithDetail("key", b.key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "reading state object")
	}
	return data, nil
}

func (b *S3Backend) Save(ctx context.Context, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "writing state object").
			WithDetail("bucket", b.bucket).WithDetail("key", b.key)
	}
	return nil
}
