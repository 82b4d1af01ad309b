package models

import "time"

// DownloadStatus — статус загрузки в жизненном цикле скачивания.
type DownloadStatus string

// Допустимые статусы загрузки.
const (
	DownloadStatusStarted   DownloadStatus = "started"
	DownloadStatusPaused    DownloadStatus = "paused"
	DownloadStatusResuming  DownloadStatus = "resuming"
	DownloadStatusCompleted DownloadStatus = "completed"
	DownloadStatusFailed    DownloadStatus = "failed"
)

// validTransitions описывает машину состояний загрузки.
// Переход в тот же статус разрешен (повторные отчеты о прогрессе).
var validTransitions = map[DownloadStatus][]DownloadStatus{
	DownloadStatusStarted:   {DownloadStatusStarted, DownloadStatusPaused, DownloadStatusCompleted, DownloadStatusFailed},
	DownloadStatusPaused:    {DownloadStatusPaused, DownloadStatusResuming, DownloadStatusFailed},
	DownloadStatusResuming:  {DownloadStatusResuming, DownloadStatusStarted, DownloadStatusCompleted, DownloadStatusFailed},
	DownloadStatusCompleted: {}, // Терминальный статус
	DownloadStatusFailed:    {}, // Терминальный статус (новая попытка — новая запись)
}

// IsValid сообщает, является ли значение допустимым статусом загрузки.
func (s DownloadStatus) IsValid() bool {
	switch s {
	case DownloadStatusStarted, DownloadStatusPaused, DownloadStatusResuming,
		DownloadStatusCompleted, DownloadStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo проверяет допустимость перехода из текущего статуса в next.
func (s DownloadStatus) CanTransitionTo(next DownloadStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive сообщает, считается ли загрузка активной для пары (устройство, контент).
// Активной может быть не более одной загрузки на пару.
func (s DownloadStatus) IsActive() bool {
	return s == DownloadStatusStarted || s == DownloadStatusResuming
}

// Download представляет попытку одного устройства скачать один Content,
// включая позицию для докачки после паузы или сбоя.
type Download struct {
	ID              string         `db:"id" json:"id"`
	DeviceID        string         `db:"device_id" json:"device_id"`
	UserID          string         `db:"user_id" json:"user_id"`
	ContentID       string         `db:"content_id" json:"content_id"`
	Status          DownloadStatus `db:"status" json:"status"`
	BytesDownloaded int64          `db:"bytes_downloaded" json:"bytes_downloaded"`
	TotalBytes      int64          `db:"total_bytes" json:"total_bytes"`
	ResumePosition  int64          `db:"resume_position" json:"resume_position"`
	ErrorMessage    *string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	LastUpdatedAt   time.Time      `db:"last_updated_at" json:"last_updated_at"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}
