package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/mkazancev/apphub/server/internal/models"
	"github.com/mkazancev/apphub/server/internal/repository"
	"github.com/mkazancev/apphub/server/internal/storage"
)

// CatalogService определяет интерфейс для работы с каталогом дистрибутивов.
type CatalogService interface {
	ListContents(ctx context.Context) ([]models.Content, error)
	GetContent(ctx context.Context, id string) (*models.Content, error)
	PublishContent(ctx context.Context, meta models.ContentMetadata, file io.Reader,
		size int64, contentType string) (*models.Content, error)
	UpdateContent(ctx context.Context, id string, meta models.ContentMetadata) (*models.Content, error)
	DeleteContent(ctx context.Context, id string) error
}

var _ CatalogService = (*catalogService)(nil)

type catalogService struct {
	contentRepo repository.ContentRepository
	fileStorage storage.FileStorage
}

// NewCatalogService создает новый экземпляр сервиса каталога.
func NewCatalogService(contentRepo repository.ContentRepository, fileStorage storage.FileStorage) CatalogService {
	return &catalogService{
		contentRepo: contentRepo,
		fileStorage: fileStorage,
	}
}

// ListContents возвращает один стабильный снимок каталога.
func (s *catalogService) ListContents(ctx context.Context) ([]models.Content, error) {
	contents, err := s.contentRepo.ListContents(ctx)
	if err != nil {
		log.Printf("[Catalog] Ошибка репозитория при получении списка: %v", err)
		return nil, errors.New("внутренняя ошибка сервера при получении каталога")
	}
	return contents, nil
}

// GetContent возвращает запись каталога по ID.
func (s *catalogService) GetContent(ctx context.Context, id string) (*models.Content, error) {
	content, err := s.contentRepo.GetContentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrContentNotFound) {
			return nil, ErrContentNotFound
		}
		log.Printf("[Catalog] Ошибка репозитория при получении контента %s: %v", id, err)
		return nil, errors.New("внутренняя ошибка сервера при получении контента")
	}
	return content, nil
}

// PublishContent публикует новый дистрибутив: загружает бинарные данные в
// объектное хранилище и создает запись каталога. Ключ объекта генерируется
// сервером и после публикации неизменен.
// Перед тем как запись станет видимой, размер объекта в хранилище сверяется
// с заявленным; при расхождении объект удаляется и публикация отклоняется.
func (s *catalogService) PublishContent(
	ctx context.Context,
	meta models.ContentMetadata,
	file io.Reader,
	size int64,
	contentType string,
) (*models.Content, error) {
	if meta.Name == "" || meta.Version == "" {
		return nil, ErrInvalidMetadata
	}
	if size <= 0 {
		return nil, ErrInvalidMetadata
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	contentID := uuid.NewString()
	storageKey := fmt.Sprintf("contents/%s/%s", contentID, meta.Version)

	// Ключ генерируется из свежего UUID, но проверка оставлена как страховка
	// от двух записей каталога, ссылающихся на один объект
	exists, err := s.contentRepo.StorageKeyExists(ctx, storageKey)
	if err != nil {
		log.Printf("[Catalog] Ошибка проверки ключа хранилища '%s': %v", storageKey, err)
		return nil, errors.New("внутренняя ошибка сервера при публикации контента")
	}
	if exists {
		log.Printf("[Catalog] Ключ хранилища '%s' уже занят другой записью", storageKey)
		return nil, ErrStorageKeyTaken
	}

	uploadInfo, err := s.fileStorage.Upload(ctx, storageKey, file, size, contentType)
	if err != nil {
		log.Printf("[Catalog] Ошибка загрузки объекта '%s' в хранилище: %v", storageKey, err)
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	// Сверяем фактический размер объекта с заявленным до публикации записи
	statInfo, err := s.fileStorage.Stat(ctx, storageKey)
	if err != nil {
		log.Printf("[Catalog] Ошибка проверки объекта '%s' после загрузки: %v", storageKey, err)
		s.cleanupObject(ctx, storageKey)
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	if statInfo.SizeBytes != size {
		log.Printf("[Catalog] Размер объекта '%s' (%d) не совпадает с заявленным (%d)",
			storageKey, statInfo.SizeBytes, size)
		s.cleanupObject(ctx, storageKey)
		return nil, ErrSizeMismatch
	}

	content := &models.Content{
		ID:          contentID,
		Name:        meta.Name,
		Version:     meta.Version,
		Description: meta.Description,
		SizeBytes:   size,
		StorageKey:  storageKey,
		ContentType: contentType,
	}
	if err = s.contentRepo.CreateContent(ctx, content); err != nil {
		s.cleanupObject(ctx, storageKey)
		if errors.Is(err, repository.ErrStorageKeyTaken) {
			return nil, ErrStorageKeyTaken
		}
		log.Printf("[Catalog] Ошибка создания записи каталога для '%s': %v", meta.Name, err)
		return nil, errors.New("внутренняя ошибка сервера при публикации контента")
	}

	log.Printf("[Catalog] Контент '%s' (версия %s) опубликован с ID %s (ETag %s)",
		meta.Name, meta.Version, contentID, uploadInfo.ETag)
	return content, nil
}

// UpdateContent обновляет метаданные записи каталога.
func (s *catalogService) UpdateContent(
	ctx context.Context,
	id string,
	meta models.ContentMetadata,
) (*models.Content, error) {
	if meta.Name == "" || meta.Version == "" {
		return nil, ErrInvalidMetadata
	}

	content, err := s.contentRepo.UpdateContent(ctx, id, meta)
	if err != nil {
		if errors.Is(err, repository.ErrContentNotFound) {
			return nil, ErrContentNotFound
		}
		log.Printf("[Catalog] Ошибка обновления контента %s: %v", id, err)
		return nil, errors.New("внутренняя ошибка сервера при обновлении контента")
	}
	return content, nil
}

// DeleteContent удаляет запись каталога и связанный объект в хранилище.
// Запись первична: если объект удалить не удалось, каталог все равно
// считается очищенным, а сбой фиксируется в логе.
func (s *catalogService) DeleteContent(ctx context.Context, id string) error {
	content, err := s.contentRepo.GetContentByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrContentNotFound) {
			return ErrContentNotFound
		}
		log.Printf("[Catalog] Ошибка получения контента %s перед удалением: %v", id, err)
		return errors.New("внутренняя ошибка сервера при удалении контента")
	}

	if err = s.contentRepo.DeleteContent(ctx, id); err != nil {
		if errors.Is(err, repository.ErrContentNotFound) {
			return ErrContentNotFound
		}
		log.Printf("[Catalog] Ошибка удаления записи каталога %s: %v", id, err)
		return errors.New("внутренняя ошибка сервера при удалении контента")
	}

	if err = s.fileStorage.Delete(ctx, content.StorageKey); err != nil {
		log.Printf("[Catalog] Запись %s удалена, но объект '%s' остался в хранилище: %v",
			id, content.StorageKey, err)
	}

	log.Printf("[Catalog] Контент %s успешно удален", id)
	return nil
}

// cleanupObject убирает объект после неудачной публикации.
func (s *catalogService) cleanupObject(ctx context.Context, storageKey string) {
	if err := s.fileStorage.Delete(ctx, storageKey); err != nil {
		log.Printf("[Catalog] Не удалось убрать объект '%s' после неудачной публикации: %v", storageKey, err)
	}
}

// Кастомные ошибки сервиса каталога.
var (
	ErrContentNotFound = errors.New("контент не найден")
	ErrStorageKeyTaken = errors.New("ключ хранилища уже используется другим контентом")
	ErrInvalidMetadata = errors.New("некорректные метаданные контента")
	ErrSizeMismatch    = errors.New("размер объекта в хранилище не совпадает с заявленным")
	ErrStorageFailure  = errors.New("ошибка объектного хранилища")
)
