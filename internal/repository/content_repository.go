package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mkazancev/apphub/server/internal/models"
)

// Коды ошибок PostgreSQL.
const (
	pgUniqueViolationCode = "23505"
)

// ContentRepository определяет методы для работы с каталогом контента.
type ContentRepository interface {
	CreateContent(ctx context.Context, content *models.Content) error
	GetContentByID(ctx context.Context, id string) (*models.Content, error)
	ListContents(ctx context.Context) ([]models.Content, error)
	UpdateContent(ctx context.Context, id string, meta models.ContentMetadata) (*models.Content, error)
	DeleteContent(ctx context.Context, id string) error
	StorageKeyExists(ctx context.Context, storageKey string) (bool, error)
}

// postgresContentRepository реализует ContentRepository для PostgreSQL.
type postgresContentRepository struct {
	db *sqlx.DB
}

// NewPostgresContentRepository создает новый экземпляр репозитория каталога для PostgreSQL.
func NewPostgresContentRepository(db *sqlx.DB) ContentRepository {
	return &postgresContentRepository{db: db}
}

// CreateContent создает новую запись о контенте в каталоге.
// Ключ объекта в хранилище уникален: попытка переиспользовать занятый ключ
// возвращает ErrStorageKeyTaken.
func (r *postgresContentRepository) CreateContent(ctx context.Context, content *models.Content) error {
	query := `INSERT INTO contents (id, name, version, description, size_bytes, storage_key, content_type)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		content.ID, content.Name, content.Version, content.Description,
		content.SizeBytes, content.StorageKey, content.ContentType,
	).Scan(&content.CreatedAt, &content.UpdatedAt)
	if err != nil {
		// Проверяем на ошибку нарушения уникальности (duplicate key)
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			log.Printf("[ContentRepo] Ошибка создания контента: ключ хранилища '%s' уже занят", content.StorageKey)
			return ErrStorageKeyTaken
		}
		log.Printf("[ContentRepo] Непредвиденная ошибка при создании контента '%s': %v", content.Name, err)
		return fmt.Errorf("ошибка выполнения запроса на создание контента: %w", err)
	}

	log.Printf("[ContentRepo] Контент '%s' (версия %s) успешно создан с ID %s",
		content.Name, content.Version, content.ID)
	return nil
}

// GetContentByID находит запись о контенте по ее ID.
func (r *postgresContentRepository) GetContentByID(ctx context.Context, id string) (*models.Content, error) {
	query := `SELECT id, name, version, description, size_bytes, storage_key, content_type, created_at, updated_at
	          FROM contents WHERE id=$1`
	var content models.Content

	err := r.db.GetContext(ctx, &content, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("[ContentRepo] Контент с ID %s не найден", id)
			return nil, ErrContentNotFound
		}
		log.Printf("[ContentRepo] Ошибка при поиске контента ID %s: %v", id, err)
		return nil, fmt.Errorf("ошибка выполнения запроса на получение контента: %w", err)
	}

	return &content, nil
}

// ListContents возвращает все записи каталога одним снимком.
// Сортировка по времени создания (сначала новые), ID — для стабильного порядка.
func (r *postgresContentRepository) ListContents(ctx context.Context) ([]models.Content, error) {
	query := `SELECT id, name, version, description, size_bytes, storage_key, content_type, created_at, updated_at
	          FROM contents
	          ORDER BY created_at DESC, id`

	contents := make([]models.Content, 0)
	err := r.db.SelectContext(ctx, &contents, query)
	if err != nil {
		log.Printf("[ContentRepo] Ошибка при получении списка контента: %v", err)
		return nil, fmt.Errorf("ошибка выполнения запроса на получение списка контента: %w", err)
	}

	log.Printf("[ContentRepo] Получено %d записей каталога", len(contents))
	return contents, nil
}

// UpdateContent обновляет метаданные контента (имя, версию, описание).
// Ключ хранилища и бинарные данные после публикации неизменяемы.
func (r *postgresContentRepository) UpdateContent(
	ctx context.Context,
	id string,
	meta models.ContentMetadata,
) (*models.Content, error) {
	query := `UPDATE contents
	          SET name=$2, version=$3, description=$4, updated_at=now()
	          WHERE id=$1
	          RETURNING id, name, version, description, size_bytes, storage_key, content_type, created_at, updated_at`
	var content models.Content

	err := r.db.GetContext(ctx, &content, query, id, meta.Name, meta.Version, meta.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("[ContentRepo] Контент с ID %s не найден для обновления", id)
			return nil, ErrContentNotFound
		}
		log.Printf("[ContentRepo] Ошибка при обновлении контента ID %s: %v", id, err)
		return nil, fmt.Errorf("ошибка выполнения запроса на обновление контента: %w", err)
	}

	log.Printf("[ContentRepo] Метаданные контента ID %s успешно обновлены", id)
	return &content, nil
}

// DeleteContent удаляет запись о контенте из каталога.
func (r *postgresContentRepository) DeleteContent(ctx context.Context, id string) error {
	query := `DELETE FROM contents WHERE id=$1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		log.Printf("[ContentRepo] Ошибка при удалении контента ID %s: %v", id, err)
		return fmt.Errorf("ошибка выполнения запроса на удаление контента: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения числа удаленных строк: %w", err)
	}
	if affected == 0 {
		log.Printf("[ContentRepo] Контент с ID %s не найден для удаления", id)
		return ErrContentNotFound
	}

	log.Printf("[ContentRepo] Контент ID %s успешно удален", id)
	return nil
}

// StorageKeyExists проверяет, занят ли ключ хранилища другой записью каталога.
func (r *postgresContentRepository) StorageKeyExists(ctx context.Context, storageKey string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM contents WHERE storage_key=$1)`
	var exists bool

	err := r.db.GetContext(ctx, &exists, query, storageKey)
	if err != nil {
		log.Printf("[ContentRepo] Ошибка при проверке ключа хранилища '%s': %v", storageKey, err)
		return false, fmt.Errorf("ошибка выполнения запроса на проверку ключа хранилища: %w", err)
	}

	return exists, nil
}

// Кастомные ошибки репозитория каталога.
var (
	ErrContentNotFound = errors.New("контент не найден")
	ErrStorageKeyTaken = errors.New("ключ хранилища уже занят")
)
