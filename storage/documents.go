package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxDocumentBytes 限制单个上传知识文件的大小。
const MaxDocumentBytes int64 = 32 * 1024 * 1024

var ErrObjectNotFound = errors.New("storage: object not found")

// DocumentStorage 保存上传的知识文件原始内容，直到入库任务处理完毕。
type DocumentStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey 生成 documents/<segments...>/<uuid><ext>。
func ObjectKey(filename string, segments ...string) string {
	parts := []string{"documents"}
	for _, segment := range segments {
		if trimmed := strings.Trim(segment, "/"); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	ext := strings.ToLower(path.Ext(strings.TrimSpace(filename)))
	if ext == "" {
		ext = ".bin"
	}
	return path.Join(path.Join(parts...), uuid.NewString()+ext)
}

type minioStorage struct {
	client *minio.Client
	bucket string
}

// NewDocumentStorageFromEnv 根据 MINIO_* 变量初始化 MinIO 存储，未配置时保存在内存中。
func NewDocumentStorageFromEnv(ctx context.Context) (DocumentStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return NewMemoryStorage(), nil
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true"),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}
	return &minioStorage{client: client, bucket: bucket}, nil
}

func (s *minioStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if int64(len(data)) > MaxDocumentBytes {
		return fmt.Errorf("storage: document size exceeds %d bytes", MaxDocumentBytes)
	}
	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return nil
}

func (s *minioStorage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, MaxDocumentBytes+1))
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

func (s *minioStorage) Delete(ctx context.Context, key string) error {
	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.client.RemoveObject(removeCtx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: remove %s: %w", key, err)
	}
	return nil
}

// MemoryStorage 是进程内的 DocumentStorage。
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) Put(_ context.Context, key string, data []byte, _ string) error {
	if int64(len(data)) > MaxDocumentBytes {
		return fmt.Errorf("storage: document size exceeds %d bytes", MaxDocumentBytes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Len 返回已保存的对象数量。
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
