package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectInfo — метаданные объекта в хранилище.
type ObjectInfo struct {
	Key         string
	SizeBytes   int64
	ContentType string
	ETag        string
}

// FileStorage определяет интерфейс для взаимодействия с объектным хранилищем.
// Download с offset > 0 читает объект с указанного байта (докачка);
// если хранилище не поддерживает диапазоны, возвращается ErrRangeUnsupported
// и вызывающий начинает скачивание с нуля. Смещение за пределами объекта —
// отдельная ошибка ErrRangeOutOfBounds: это некорректный запрос, а не повод
// для полной перекачки.
type FileStorage interface {
	Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) (ObjectInfo, error)
	Download(ctx context.Context, objectKey string, offset int64) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, objectKey string) error
	Stat(ctx context.Context, objectKey string) (ObjectInfo, error)
}

// MinioClient реализует FileStorage для MinIO.
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

var _ FileStorage = (*MinioClient)(nil)

// MinioConfig содержит параметры для подключения к MinIO.
type MinioConfig struct {
	Endpoint        string // Адрес MinIO (например, "localhost:9000")
	AccessKeyID     string // Логин
	SecretAccessKey string // Пароль
	UseSSL          bool   // Использовать SSL (обычно false для локальной разработки)
	BucketName      string // Имя бакета для хранения дистрибутивов
	Region          string // Регион (не обязательно для MinIO, но может требоваться)
}

// NewMinioClient создает новый клиент MinIO.
func NewMinioClient(cfg MinioConfig) (*MinioClient, error) {
	log.Printf("Инициализация клиента MinIO для эндпоинта %s...", cfg.Endpoint)

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации клиента MinIO: %w", err)
	}

	// Проверка существования бакета и создание при необходимости.
	// Недоступность хранилища на старте не фатальна: сервер запускается,
	// а доступность дальше отслеживает фоновый монитор.
	ctx := context.Background()
	exists, err := minioClient.BucketExists(ctx, cfg.BucketName)
	switch {
	case err != nil:
		log.Printf("Предупреждение: не удалось проверить бакет '%s': %v. Сервер продолжит запуск.",
			cfg.BucketName, err)
	case !exists:
		log.Printf("Бакет '%s' не найден, попытка создания...", cfg.BucketName)
		if err = minioClient.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			log.Printf("Предупреждение: не удалось создать бакет '%s': %v. Сервер продолжит запуск.",
				cfg.BucketName, err)
		} else {
			log.Printf("Бакет '%s' успешно создан.", cfg.BucketName)
		}
	}

	log.Printf("Клиент MinIO успешно инициализирован для бакета '%s'.", cfg.BucketName)
	return &MinioClient{
		client:     minioClient,
		bucketName: cfg.BucketName,
	}, nil
}

// Upload загружает объект в MinIO.
// Повторная загрузка того же ключа безопасна: хранилище перезапишет объект,
// а детали ответа удаленной стороны сохраняются в ошибке дословно.
func (c *MinioClient) Upload(
	ctx context.Context,
	objectKey string,
	reader io.Reader,
	size int64,
	contentType string,
) (ObjectInfo, error) {
	log.Printf("[Minio] Загрузка объекта '%s' в бакет '%s' (%d байт)...", objectKey, c.bucketName, size)

	opts := minio.PutObjectOptions{
		ContentType: contentType,
	}

	uploadInfo, err := c.client.PutObject(ctx, c.bucketName, objectKey, reader, size, opts)
	if err != nil {
		log.Printf("[Minio] Ошибка загрузки объекта '%s': %v", objectKey, err)
		return ObjectInfo{}, wrapMinioError("ошибка загрузки объекта в MinIO", err)
	}

	log.Printf("[Minio] Объект '%s' успешно загружен, размер: %d, ETag: %s",
		objectKey, uploadInfo.Size, uploadInfo.ETag)
	return ObjectInfo{
		Key:         objectKey,
		SizeBytes:   uploadInfo.Size,
		ContentType: contentType,
		ETag:        uploadInfo.ETag,
	}, nil
}

// Download скачивает объект из MinIO, начиная с байта offset.
// Возвращает io.ReadCloser, который нужно закрыть после использования.
func (c *MinioClient) Download(
	ctx context.Context,
	objectKey string,
	offset int64,
) (io.ReadCloser, ObjectInfo, error) {
	log.Printf("[Minio] Скачивание объекта '%s' из бакета '%s' (offset=%d)...", objectKey, c.bucketName, offset)

	opts := minio.GetObjectOptions{}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			log.Printf("[Minio] Недопустимый диапазон для объекта '%s' (offset=%d): %v", objectKey, offset, err)
			return nil, ObjectInfo{}, ErrRangeUnsupported
		}
	}

	object, err := c.client.GetObject(ctx, c.bucketName, objectKey, opts)
	if err != nil {
		log.Printf("[Minio] Ошибка получения объекта '%s': %v", objectKey, err)
		return nil, ObjectInfo{}, wrapMinioError("ошибка получения объекта из MinIO", err)
	}

	// GetObject ленивый: ошибки (в т.ч. NoSuchKey и отказ по диапазону)
	// проявляются только на Stat или первом чтении.
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) {
			switch minioErr.Code {
			case "NoSuchKey":
				log.Printf("[Minio] Объект '%s' не найден в бакете '%s'", objectKey, c.bucketName)
				return nil, ObjectInfo{}, ErrObjectNotFound
			case "InvalidRange":
				// Запрошенное смещение за концом объекта (например, докачка
				// уже завершенной передачи)
				log.Printf("[Minio] Смещение %d за пределами объекта '%s'", offset, objectKey)
				return nil, ObjectInfo{}, ErrRangeOutOfBounds
			case "NotImplemented":
				log.Printf("[Minio] Хранилище не поддерживает диапазоны (объект '%s')", objectKey)
				return nil, ObjectInfo{}, ErrRangeUnsupported
			}
		}
		log.Printf("[Minio] Ошибка получения метаданных объекта '%s': %v", objectKey, err)
		return nil, ObjectInfo{}, wrapMinioError("ошибка получения метаданных объекта из MinIO", err)
	}

	log.Printf("[Minio] Объект '%s' успешно получен для скачивания (размер %d)", objectKey, stat.Size)
	return object, ObjectInfo{
		Key:         objectKey,
		SizeBytes:   stat.Size,
		ContentType: stat.ContentType,
		ETag:        stat.ETag,
	}, nil
}

// Delete удаляет объект из MinIO. Удаление отсутствующего объекта не является ошибкой.
func (c *MinioClient) Delete(ctx context.Context, objectKey string) error {
	log.Printf("[Minio] Удаление объекта '%s' из бакета '%s'...", objectKey, c.bucketName)

	err := c.client.RemoveObject(ctx, c.bucketName, objectKey, minio.RemoveObjectOptions{})
	if err != nil {
		log.Printf("[Minio] Ошибка удаления объекта '%s': %v", objectKey, err)
		return wrapMinioError("ошибка удаления объекта из MinIO", err)
	}

	log.Printf("[Minio] Объект '%s' успешно удален", objectKey)
	return nil
}

// Stat возвращает метаданные объекта без скачивания его содержимого.
func (c *MinioClient) Stat(ctx context.Context, objectKey string) (ObjectInfo, error) {
	stat, err := c.client.StatObject(ctx, c.bucketName, objectKey, minio.StatObjectOptions{})
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.Code == "NoSuchKey" {
			log.Printf("[Minio] Объект '%s' не найден в бакете '%s'", objectKey, c.bucketName)
			return ObjectInfo{}, ErrObjectNotFound
		}
		log.Printf("[Minio] Ошибка получения метаданных объекта '%s': %v", objectKey, err)
		return ObjectInfo{}, wrapMinioError("ошибка получения метаданных объекта из MinIO", err)
	}

	return ObjectInfo{
		Key:         objectKey,
		SizeBytes:   stat.Size,
		ContentType: stat.ContentType,
		ETag:        stat.ETag,
	}, nil
}

// wrapMinioError сохраняет код и сообщение удаленной стороны дословно,
// чтобы вызывающий мог отличить "уже существует" от временного сбоя.
func wrapMinioError(msg string, err error) error {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return fmt.Errorf("%s (код %s: %s): %w", msg, minioErr.Code, minioErr.Message, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Кастомные ошибки хранилища.
var (
	ErrObjectNotFound   = errors.New("объект не найден в хранилище")
	ErrRangeUnsupported = errors.New("хранилище не поддерживает скачивание по диапазону")
	ErrRangeOutOfBounds = errors.New("запрошенное смещение за пределами объекта")
)
