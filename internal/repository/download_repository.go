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

// DownloadRepository определяет методы для работы с журналом загрузок.
type DownloadRepository interface {
	CreateDownload(ctx context.Context, download *models.Download) error
	GetDownloadByID(ctx context.Context, id string) (*models.Download, error)
	FindActiveDownload(ctx context.Context, deviceID, contentID string) (*models.Download, error)
	ListDownloadsByDevice(ctx context.Context, deviceID string) ([]models.Download, error)
	UpdateProgress(ctx context.Context, upd ProgressUpdate) (*models.Download, error)
	ResetResumePosition(ctx context.Context, id string) error
}

// ProgressUpdate описывает одно обновление прогресса загрузки.
// PrevStatus — статус, от которого выполняется переход: условие в запросе
// гарантирует, что отстающее обновление не перезапишет ушедшее вперед.
type ProgressUpdate struct {
	ID              string
	PrevStatus      models.DownloadStatus
	Status          models.DownloadStatus
	BytesDownloaded int64
	ResumePosition  int64
	ErrorMessage    string // Пустая строка — сохранить прежнее сообщение
}

// postgresDownloadRepository реализует DownloadRepository для PostgreSQL.
type postgresDownloadRepository struct {
	db *sqlx.DB
}

// NewPostgresDownloadRepository создает новый экземпляр репозитория загрузок для PostgreSQL.
func NewPostgresDownloadRepository(db *sqlx.DB) DownloadRepository {
	return &postgresDownloadRepository{db: db}
}

// CreateDownload создает новую запись о загрузке в статусе started.
// Частичный уникальный индекс по активной паре (устройство, контент) страхует
// гонку двух одновременных стартов: проигравший INSERT возвращает
// ErrActiveDownloadExists.
func (r *postgresDownloadRepository) CreateDownload(ctx context.Context, download *models.Download) error {
	query := `INSERT INTO downloads
	          (id, device_id, user_id, content_id, status, bytes_downloaded, total_bytes, resume_position)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          RETURNING created_at, last_updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		download.ID, download.DeviceID, download.UserID, download.ContentID,
		download.Status, download.BytesDownloaded, download.TotalBytes, download.ResumePosition,
	).Scan(&download.CreatedAt, &download.LastUpdatedAt)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			log.Printf("[DownloadRepo] Параллельный старт для пары (устройство %s, контент %s): активная запись уже есть",
				download.DeviceID, download.ContentID)
			return ErrActiveDownloadExists
		}
		log.Printf("[DownloadRepo] Непредвиденная ошибка при создании загрузки для устройства '%s': %v",
			download.DeviceID, err)
		return fmt.Errorf("ошибка выполнения запроса на создание загрузки: %w", err)
	}

	log.Printf("[DownloadRepo] Загрузка %s создана (устройство %s, контент %s)",
		download.ID, download.DeviceID, download.ContentID)
	return nil
}

// GetDownloadByID находит запись о загрузке по ее ID.
func (r *postgresDownloadRepository) GetDownloadByID(ctx context.Context, id string) (*models.Download, error) {
	query := `SELECT id, device_id, user_id, content_id, status, bytes_downloaded, total_bytes,
	                 resume_position, error_message, created_at, last_updated_at, completed_at
	          FROM downloads WHERE id=$1`
	var download models.Download

	err := r.db.GetContext(ctx, &download, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("[DownloadRepo] Загрузка с ID %s не найдена", id)
			return nil, ErrDownloadNotFound
		}
		log.Printf("[DownloadRepo] Ошибка при поиске загрузки ID %s: %v", id, err)
		return nil, fmt.Errorf("ошибка выполнения запроса на получение загрузки: %w", err)
	}

	return &download, nil
}

// FindActiveDownload ищет активную (started/resuming) загрузку для пары (устройство, контент).
// Активной может быть не более одной такой записи.
func (r *postgresDownloadRepository) FindActiveDownload(
	ctx context.Context,
	deviceID, contentID string,
) (*models.Download, error) {
	query := `SELECT id, device_id, user_id, content_id, status, bytes_downloaded, total_bytes,
	                 resume_position, error_message, created_at, last_updated_at, completed_at
	          FROM downloads
	          WHERE device_id=$1 AND content_id=$2 AND status IN ('started', 'resuming')
	          ORDER BY created_at DESC
	          LIMIT 1`
	var download models.Download

	err := r.db.GetContext(ctx, &download, query, deviceID, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDownloadNotFound
		}
		log.Printf("[DownloadRepo] Ошибка при поиске активной загрузки (устройство %s, контент %s): %v",
			deviceID, contentID, err)
		return nil, fmt.Errorf("ошибка выполнения запроса на поиск активной загрузки: %w", err)
	}

	return &download, nil
}

// ListDownloadsByDevice возвращает историю загрузок устройства, сначала новые.
func (r *postgresDownloadRepository) ListDownloadsByDevice(
	ctx context.Context,
	deviceID string,
) ([]models.Download, error) {
	query := `SELECT id, device_id, user_id, content_id, status, bytes_downloaded, total_bytes,
	                 resume_position, error_message, created_at, last_updated_at, completed_at
	          FROM downloads
	          WHERE device_id=$1
	          ORDER BY created_at DESC`

	downloads := make([]models.Download, 0)
	err := r.db.SelectContext(ctx, &downloads, query, deviceID)
	if err != nil {
		log.Printf("[DownloadRepo] Ошибка при получении истории загрузок устройства %s: %v", deviceID, err)
		return nil, fmt.Errorf("ошибка выполнения запроса на получение истории загрузок: %w", err)
	}

	log.Printf("[DownloadRepo] Получено %d загрузок для устройства %s", len(downloads), deviceID)
	return downloads, nil
}

// UpdateProgress применяет обновление прогресса условным UPDATE.
// Условия в WHERE сериализуют конкурентных писателей на уровне хранилища:
// счетчик байт не убывает, а переход выполняется только от того статуса,
// который видел вызывающий. Отставшее обновление не затрагивает ни одной
// строки и возвращает ErrStaleProgress.
// Сообщение об ошибке коалесцируется: пустое новое значение не стирает
// ранее записанную причину сбоя.
func (r *postgresDownloadRepository) UpdateProgress(
	ctx context.Context,
	upd ProgressUpdate,
) (*models.Download, error) {
	query := `UPDATE downloads
	          SET status=$2,
	              bytes_downloaded=$3,
	              resume_position=$4,
	              error_message=COALESCE(NULLIF($5, ''), error_message),
	              last_updated_at=now(),
	              completed_at=CASE WHEN $2='completed' THEN now() ELSE completed_at END
	          WHERE id=$1 AND status=$6 AND bytes_downloaded <= $3
	          RETURNING id, device_id, user_id, content_id, status, bytes_downloaded, total_bytes,
	                    resume_position, error_message, created_at, last_updated_at, completed_at`
	var download models.Download

	err := r.db.GetContext(ctx, &download, query,
		upd.ID, upd.Status, upd.BytesDownloaded, upd.ResumePosition, upd.ErrorMessage, upd.PrevStatus,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Строка существует (проверено вызывающим), но условие не сошлось:
			// параллельное обновление ушло вперед по байтам или по статусу.
			log.Printf("[DownloadRepo] Отклонено устаревшее обновление загрузки %s (статус %s, байт %d)",
				upd.ID, upd.Status, upd.BytesDownloaded)
			return nil, ErrStaleProgress
		}
		log.Printf("[DownloadRepo] Ошибка при обновлении прогресса загрузки %s: %v", upd.ID, err)
		return nil, fmt.Errorf("ошибка выполнения запроса на обновление прогресса: %w", err)
	}

	log.Printf("[DownloadRepo] Загрузка %s: статус %s, скачано %d из %d байт",
		download.ID, download.Status, download.BytesDownloaded, download.TotalBytes)
	return &download, nil
}

// ResetResumePosition сбрасывает позицию докачки в ноль.
// Вызывается, когда хранилище отказало в скачивании по диапазону и устройство
// перешло на полную перекачку.
func (r *postgresDownloadRepository) ResetResumePosition(ctx context.Context, id string) error {
	query := `UPDATE downloads SET resume_position=0, last_updated_at=now() WHERE id=$1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		log.Printf("[DownloadRepo] Ошибка сброса позиции докачки загрузки %s: %v", id, err)
		return fmt.Errorf("ошибка выполнения запроса на сброс позиции докачки: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения числа обновленных строк: %w", err)
	}
	if affected == 0 {
		return ErrDownloadNotFound
	}

	return nil
}

// Кастомные ошибки репозитория загрузок.
var (
	ErrDownloadNotFound     = errors.New("загрузка не найдена")
	ErrStaleProgress        = errors.New("устаревшее обновление прогресса загрузки")
	ErrActiveDownloadExists = errors.New("активная загрузка для этой пары уже существует")
)
