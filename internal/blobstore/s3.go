// s3.go — реализация BlobStore через aws-sdk-go-v2.
// Работает с любым S3-совместимым хранилищем (MinIO, Ceph RGW):
// endpoint и static credentials задаются конфигурацией, path-style адресация.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config — параметры подключения к S3-совместимому хранилищу.
type S3Config struct {
	// Endpoint — базовый URL хранилища (например, http://minio:9000)
	Endpoint string
	// Region — регион (для MinIO обычно us-east-1)
	Region string
	// Bucket — имя bucket-а для загружаемых файлов
	Bucket string
	// AccessKey / SecretKey — static credentials
	AccessKey string
	SecretKey string
}

// S3Store — BlobStore поверх aws-sdk-go-v2.
type S3Store struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3Store создаёт адаптер S3-хранилища.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("инициализация AWS-конфигурации: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		// MinIO и другие self-hosted хранилища требуют path-style
		o.UsePathStyle = true
	})

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With(slog.String("component", "blobstore")),
	}, nil
}

// OpenMultipart открывает multipart-сессию для ключа.
func (s *S3Store) OpenMultipart(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("открытие multipart-сессии для %s: %w", key, err)
	}

	s.logger.Debug("Multipart-сессия открыта",
		slog.String("key", key),
		slog.String("upload_id", aws.ToString(out.UploadId)),
	)
	return aws.ToString(out.UploadId), nil
}

// UploadPart загружает часть с указанным номером, возвращает etag.
func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	})
	if err != nil {
		return "", fmt.Errorf("загрузка части %d для %s: %w", partNumber, key, err)
	}
	return aws.ToString(out.ETag), nil
}

// CompleteMultipart финализирует загрузку из перечисленных частей.
// Части сортируются по номеру — требование S3 API.
func (s *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	completed := make([]s3types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("финализация multipart-сессии для %s: %w", key, err)
	}

	s.logger.Info("Multipart-загрузка финализирована",
		slog.String("key", key),
		slog.Int("parts", len(completed)),
	)
	return aws.ToString(out.Key), nil
}

// AbortMultipart прерывает загрузку и освобождает ресурсы хранилища.
func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("прерывание multipart-сессии для %s: %w", key, err)
	}
	return nil
}

// Exists проверяет наличие объекта через HeadObject.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("проверка наличия объекта %s: %w", key, err)
	}
	return true, nil
}

// Проверка на этапе компиляции
var _ BlobStore = (*S3Store)(nil)
