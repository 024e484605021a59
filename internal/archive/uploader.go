package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader сохраняет объект по ключу и возвращает его адрес.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3Config — параметры S3Uploader.
type S3Config struct {
	Bucket string
	Region string

	// Endpoint — адрес S3-совместимого хранилища (MinIO, LocalStack).
	// Непустой Endpoint включает path-style адресацию.
	Endpoint string
}

// S3Uploader сохраняет объекты в бакет S3.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader создаёт S3Uploader. Учётные данные берутся из стандартной
// цепочки AWS (переменные окружения, профиль, роль).
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload кладёт объект в бакет.
func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// LocalUploader сохраняет объекты в каталог файловой системы.
type LocalUploader struct {
	Dir string
}

// Upload записывает объект в файл Dir/key.
func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// OpenUploader выбирает хранилище: S3, если задан бакет, иначе локальный
// каталог dir. Если не задано ни то ни другое, возвращает nil (архивация отключена).
func OpenUploader(ctx context.Context, s3cfg S3Config, dir string) (Uploader, error) {
	switch {
	case s3cfg.Bucket != "":
		u, err := NewS3Uploader(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return u, nil
	case dir != "":
		return &LocalUploader{Dir: dir}, nil
	default:
		return nil, nil
	}
}
