package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mkazancev/apphub/server/internal/middleware"
	"github.com/mkazancev/apphub/server/internal/models"
	"github.com/mkazancev/apphub/server/internal/repository"
	"github.com/mkazancev/apphub/server/internal/signer"
	"github.com/mkazancev/apphub/server/internal/storage"
)

// Срок действия подписанной ссылки на скачивание.
const downloadURLTTL = 15 * time.Minute

// DownloadService определяет интерфейс журнала загрузок и выдачи ссылок.
type DownloadService interface {
	StartDownload(ctx context.Context, auth middleware.AuthInfo, contentID string) (*models.Download, error)
	UpdateProgress(ctx context.Context, auth middleware.AuthInfo, upd ProgressReport) (*models.Download, error)
	History(ctx context.Context, auth middleware.AuthInfo) ([]models.Download, error)
	IssueDownloadURL(ctx context.Context, contentID string) (string, time.Duration, error)
	OpenContentStream(ctx context.Context, contentID, expires, sig string,
		offset int64) (io.ReadCloser, *models.Content, int64, error)
	RecordRangeDegradation(ctx context.Context, downloadID string) error
}

// ProgressReport — отчет устройства о прогрессе загрузки.
type ProgressReport struct {
	DownloadID      string
	Status          models.DownloadStatus
	BytesDownloaded int64
	ErrorMessage    string
}

// ConflictError сообщает о попытке начать загрузку при уже активной записи
// для той же пары (устройство, контент). Несет ID существующей записи,
// чтобы клиент продолжил ее, а не повторял запрос вслепую.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("активная загрузка уже существует: %s", e.ExistingID)
}

var _ DownloadService = (*downloadService)(nil)

type downloadService struct {
	downloadRepo repository.DownloadRepository
	contentRepo  repository.ContentRepository
	fileStorage  storage.FileStorage
	urlSigner    *signer.URLSigner
}

// NewDownloadService создает новый экземпляр сервиса загрузок.
func NewDownloadService(
	downloadRepo repository.DownloadRepository,
	contentRepo repository.ContentRepository,
	fileStorage storage.FileStorage,
	urlSigner *signer.URLSigner,
) DownloadService {
	return &downloadService{
		downloadRepo: downloadRepo,
		contentRepo:  contentRepo,
		fileStorage:  fileStorage,
		urlSigner:    urlSigner,
	}
}

// StartDownload создает запись о загрузке в статусе started.
// Для пары (устройство, контент) активной может быть только одна запись:
// повторный старт возвращает ConflictError с ID существующей загрузки.
func (s *downloadService) StartDownload(
	ctx context.Context,
	auth middleware.AuthInfo,
	contentID string,
) (*models.Download, error) {
	content, err := s.contentRepo.GetContentByID(ctx, contentID)
	if err != nil {
		if errors.Is(err, repository.ErrContentNotFound) {
			return nil, ErrContentNotFound
		}
		log.Printf("[Ledger] Ошибка получения контента %s при старте загрузки: %v", contentID, err)
		return nil, errors.New("внутренняя ошибка сервера при старте загрузки")
	}

	existing, err := s.downloadRepo.FindActiveDownload(ctx, auth.DeviceID, contentID)
	if err != nil && !errors.Is(err, repository.ErrDownloadNotFound) {
		log.Printf("[Ledger] Ошибка поиска активной загрузки (устройство %s, контент %s): %v",
			auth.DeviceID, contentID, err)
		return nil, errors.New("внутренняя ошибка сервера при старте загрузки")
	}
	if existing != nil {
		log.Printf("[Ledger] Повторный старт загрузки контента %s устройством %s: активна запись %s",
			contentID, auth.DeviceID, existing.ID)
		return nil, &ConflictError{ExistingID: existing.ID}
	}

	download := &models.Download{
		ID:              uuid.NewString(),
		DeviceID:        auth.DeviceID,
		UserID:          auth.UserID,
		ContentID:       contentID,
		Status:          models.DownloadStatusStarted,
		BytesDownloaded: 0,
		TotalBytes:      content.SizeBytes,
		ResumePosition:  0,
	}
	if err = s.downloadRepo.CreateDownload(ctx, download); err != nil {
		// Проигравший гонку старт: параллельный запрос уже создал активную
		// запись после нашей проверки. Возвращаем ее ID, как при обычном повторе.
		if errors.Is(err, repository.ErrActiveDownloadExists) {
			winner, findErr := s.downloadRepo.FindActiveDownload(ctx, auth.DeviceID, contentID)
			if findErr != nil {
				log.Printf("[Ledger] Активная запись выиграла гонку старта, но не найдена (устройство %s, контент %s): %v",
					auth.DeviceID, contentID, findErr)
				return nil, errors.New("внутренняя ошибка сервера при старте загрузки")
			}
			log.Printf("[Ledger] Гонка старта загрузки контента %s устройством %s: активна запись %s",
				contentID, auth.DeviceID, winner.ID)
			return nil, &ConflictError{ExistingID: winner.ID}
		}
		log.Printf("[Ledger] Ошибка создания записи о загрузке: %v", err)
		return nil, errors.New("внутренняя ошибка сервера при старте загрузки")
	}

	log.Printf("[Ledger] Загрузка %s начата (устройство %s, контент %s, %d байт)",
		download.ID, auth.DeviceID, contentID, content.SizeBytes)
	return download, nil
}

// UpdateProgress применяет отчет устройства о прогрессе.
// Проверяет принадлежность записи устройству, допустимость перехода по машине
// состояний и инварианты счетчиков; само обновление выполняется условным
// UPDATE, так что отставший отчет не перезапишет ушедший вперед.
func (s *downloadService) UpdateProgress(
	ctx context.Context,
	auth middleware.AuthInfo,
	upd ProgressReport,
) (*models.Download, error) {
	if !upd.Status.IsValid() {
		return nil, ErrInvalidStatus
	}
	if upd.BytesDownloaded < 0 {
		return nil, ErrInvalidProgress
	}

	download, err := s.downloadRepo.GetDownloadByID(ctx, upd.DownloadID)
	if err != nil {
		if errors.Is(err, repository.ErrDownloadNotFound) {
			return nil, ErrDownloadNotFound
		}
		log.Printf("[Ledger] Ошибка получения загрузки %s: %v", upd.DownloadID, err)
		return nil, errors.New("внутренняя ошибка сервера при обновлении прогресса")
	}

	// Чужая запись неотличима от несуществующей: не раскрываем ее наличие
	if download.DeviceID != auth.DeviceID {
		log.Printf("[Ledger] Устройство %s обратилось к чужой загрузке %s", auth.DeviceID, upd.DownloadID)
		return nil, ErrDownloadNotFound
	}

	if !download.Status.CanTransitionTo(upd.Status) {
		log.Printf("[Ledger] Недопустимый переход %s -> %s для загрузки %s",
			download.Status, upd.Status, upd.DownloadID)
		return nil, ErrInvalidTransition
	}
	if upd.BytesDownloaded < download.BytesDownloaded {
		log.Printf("[Ledger] Отклонен отчет с убывающим счетчиком для загрузки %s (%d < %d)",
			upd.DownloadID, upd.BytesDownloaded, download.BytesDownloaded)
		return nil, ErrStaleProgress
	}
	if upd.BytesDownloaded > download.TotalBytes {
		return nil, ErrInvalidProgress
	}
	if upd.Status == models.DownloadStatusCompleted && upd.BytesDownloaded != download.TotalBytes {
		return nil, ErrInvalidProgress
	}

	resumePosition := download.ResumePosition
	if upd.Status == models.DownloadStatusPaused || upd.Status == models.DownloadStatusFailed {
		// Пауза и сбой фиксируют последний подтвержденный байт для докачки
		resumePosition = upd.BytesDownloaded
	}

	updated, err := s.downloadRepo.UpdateProgress(ctx, repository.ProgressUpdate{
		ID:              upd.DownloadID,
		PrevStatus:      download.Status,
		Status:          upd.Status,
		BytesDownloaded: upd.BytesDownloaded,
		ResumePosition:  resumePosition,
		ErrorMessage:    upd.ErrorMessage,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleProgress) {
			return nil, ErrStaleProgress
		}
		log.Printf("[Ledger] Ошибка обновления прогресса загрузки %s: %v", upd.DownloadID, err)
		return nil, errors.New("внутренняя ошибка сервера при обновлении прогресса")
	}

	return updated, nil
}

// History возвращает загрузки устройства, сначала новые.
func (s *downloadService) History(ctx context.Context, auth middleware.AuthInfo) ([]models.Download, error) {
	downloads, err := s.downloadRepo.ListDownloadsByDevice(ctx, auth.DeviceID)
	if err != nil {
		log.Printf("[Ledger] Ошибка получения истории загрузок устройства %s: %v", auth.DeviceID, err)
		return nil, errors.New("внутренняя ошибка сервера при получении истории загрузок")
	}
	return downloads, nil
}

// IssueDownloadURL выдает подписанную ссылку на скачивание контента.
// Ссылка никогда не выдается для несуществующего ID.
func (s *downloadService) IssueDownloadURL(ctx context.Context, contentID string) (string, time.Duration, error) {
	_, err := s.contentRepo.GetContentByID(ctx, contentID)
	if err != nil {
		if errors.Is(err, repository.ErrContentNotFound) {
			return "", 0, ErrContentNotFound
		}
		log.Printf("[Ledger] Ошибка получения контента %s при выдаче ссылки: %v", contentID, err)
		return "", 0, errors.New("внутренняя ошибка сервера при выдаче ссылки")
	}

	signedURL, expiresAt := s.urlSigner.Issue(contentID, downloadURLTTL)
	log.Printf("[Ledger] Выдана подписанная ссылка на контент %s (действительна до %s)",
		contentID, expiresAt.Format(time.RFC3339))
	return signedURL, time.Until(expiresAt), nil
}

// OpenContentStream проверяет подпись ссылки и открывает поток байтов контента
// с указанного смещения. Недействительная или просроченная подпись дает один
// общий отказ без уточнения причины.
// Возвращает фактическое начальное смещение потока: если хранилище отклонило
// диапазон, поток открывается с нуля и вызывающий фиксирует деградацию.
func (s *downloadService) OpenContentStream(
	ctx context.Context,
	contentID, expires, sig string,
	offset int64,
) (io.ReadCloser, *models.Content, int64, error) {
	if !s.urlSigner.Validate(contentID, expires, sig) {
		log.Printf("[Ledger] Отклонена недействительная или просроченная ссылка на контент %s", contentID)
		return nil, nil, 0, ErrInvalidSignature
	}

	content, err := s.contentRepo.GetContentByID(ctx, contentID)
	if err != nil {
		if errors.Is(err, repository.ErrContentNotFound) {
			return nil, nil, 0, ErrContentNotFound
		}
		log.Printf("[Ledger] Ошибка получения контента %s при открытии потока: %v", contentID, err)
		return nil, nil, 0, errors.New("внутренняя ошибка сервера при открытии потока")
	}

	actualOffset := offset
	reader, _, err := s.fileStorage.Download(ctx, content.StorageKey, offset)
	if err != nil {
		if errors.Is(err, storage.ErrRangeUnsupported) && offset > 0 {
			// Деградация: докачка невозможна, начинаем с нуля
			log.Printf("[Ledger] Хранилище не поддерживает диапазон для контента %s, полная перекачка", contentID)
			actualOffset = 0
			reader, _, err = s.fileStorage.Download(ctx, content.StorageKey, 0)
		}
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				log.Printf("[Ledger] Объект '%s' каталога %s отсутствует в хранилище",
					content.StorageKey, contentID)
				return nil, nil, 0, ErrContentNotFound
			}
			if errors.Is(err, storage.ErrRangeOutOfBounds) {
				// Некорректный запрос, а не деградация: с нуля не перекачиваем
				log.Printf("[Ledger] Смещение %d за пределами контента %s (%d байт)",
					offset, contentID, content.SizeBytes)
				return nil, nil, 0, ErrRangeOutOfBounds
			}
			log.Printf("[Ledger] Ошибка открытия потока контента %s: %v", contentID, err)
			return nil, nil, 0, fmt.Errorf("%w: %w", ErrStorageFailure, err)
		}
	}

	return reader, content, actualOffset, nil
}

// RecordRangeDegradation фиксирует в журнале, что докачка выродилась в полную
// перекачку: позиция докачки сбрасывается в ноль.
func (s *downloadService) RecordRangeDegradation(ctx context.Context, downloadID string) error {
	if err := s.downloadRepo.ResetResumePosition(ctx, downloadID); err != nil {
		if errors.Is(err, repository.ErrDownloadNotFound) {
			return ErrDownloadNotFound
		}
		log.Printf("[Ledger] Ошибка сброса позиции докачки для загрузки %s: %v", downloadID, err)
		return errors.New("внутренняя ошибка сервера при сбросе позиции докачки")
	}
	log.Printf("[Ledger] Позиция докачки загрузки %s сброшена в ноль", downloadID)
	return nil
}

// Кастомные ошибки сервиса загрузок.
var (
	ErrDownloadNotFound  = errors.New("загрузка не найдена")
	ErrInvalidStatus     = errors.New("недопустимый статус загрузки")
	ErrInvalidTransition = errors.New("недопустимый переход статуса загрузки")
	ErrInvalidProgress   = errors.New("некорректное значение прогресса загрузки")
	ErrStaleProgress     = errors.New("устаревший отчет о прогрессе загрузки")
	ErrInvalidSignature  = errors.New("ссылка недействительна или просрочена")
	ErrRangeOutOfBounds  = errors.New("запрошенное смещение за пределами контента")
)
