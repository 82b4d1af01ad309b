package repository_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkazancev/apphub/server/internal/models"
	"github.com/mkazancev/apphub/server/internal/repository"
)

var downloadColumns = []string{
	"id", "device_id", "user_id", "content_id", "status", "bytes_downloaded", "total_bytes",
	"resume_position", "error_message", "created_at", "last_updated_at", "completed_at",
}

func downloadRow(status models.DownloadStatus, bytes int64, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(downloadColumns).AddRow(
		"dl-1", "hw-001", "user-1", "content-1", string(status), bytes, int64(1024),
		int64(0), nil, now, now, nil,
	)
}

func TestDownloadRepository_CreateDownload(t *testing.T) {
	ctx := context.Background()
	insertQuery := regexp.QuoteMeta(`INSERT INTO downloads`)

	t.Run("Успешное создание", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)
		now := time.Now()

		mock.ExpectQuery(insertQuery).
			WithArgs("dl-1", "hw-001", "user-1", "content-1",
				models.DownloadStatusStarted, int64(0), int64(1024), int64(0)).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "last_updated_at"}).AddRow(now, now))

		download := &models.Download{
			ID: "dl-1", DeviceID: "hw-001", UserID: "user-1", ContentID: "content-1",
			Status: models.DownloadStatusStarted, TotalBytes: 1024,
		}
		err := repo.CreateDownload(ctx, download)

		require.NoError(t, err)
		assert.Equal(t, now, download.CreatedAt)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Гонка стартов: активная пара уже занята", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		// Проигравший INSERT упирается в частичный уникальный индекс
		mock.ExpectQuery(insertQuery).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "downloads_active_pair_idx"})

		err := repo.CreateDownload(ctx, &models.Download{
			ID: "dl-2", DeviceID: "hw-001", ContentID: "content-1",
			Status: models.DownloadStatusStarted, TotalBytes: 1024,
		})

		require.ErrorIs(t, err, repository.ErrActiveDownloadExists)
	})
}

func TestDownloadRepository_GetDownloadByID(t *testing.T) {
	ctx := context.Background()
	selectQuery := regexp.QuoteMeta(`FROM downloads WHERE id=$1`)

	t.Run("Загрузка найдена", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		mock.ExpectQuery(selectQuery).WithArgs("dl-1").
			WillReturnRows(downloadRow(models.DownloadStatusStarted, 100, time.Now()))

		download, err := repo.GetDownloadByID(ctx, "dl-1")

		require.NoError(t, err)
		assert.Equal(t, "dl-1", download.ID)
		assert.Equal(t, models.DownloadStatusStarted, download.Status)
	})

	t.Run("Загрузка не найдена", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		mock.ExpectQuery(selectQuery).WithArgs("missing").WillReturnError(sql.ErrNoRows)

		_, err := repo.GetDownloadByID(ctx, "missing")

		require.ErrorIs(t, err, repository.ErrDownloadNotFound)
	})
}

func TestDownloadRepository_FindActiveDownload(t *testing.T) {
	ctx := context.Background()
	activeQuery := regexp.QuoteMeta(`status IN ('started', 'resuming')`)

	t.Run("Активная загрузка найдена", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		mock.ExpectQuery(activeQuery).WithArgs("hw-001", "content-1").
			WillReturnRows(downloadRow(models.DownloadStatusResuming, 512, time.Now()))

		download, err := repo.FindActiveDownload(ctx, "hw-001", "content-1")

		require.NoError(t, err)
		assert.Equal(t, models.DownloadStatusResuming, download.Status)
	})

	t.Run("Активной загрузки нет", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		mock.ExpectQuery(activeQuery).WithArgs("hw-001", "content-1").WillReturnError(sql.ErrNoRows)

		_, err := repo.FindActiveDownload(ctx, "hw-001", "content-1")

		require.ErrorIs(t, err, repository.ErrDownloadNotFound)
	})
}

func TestDownloadRepository_ListDownloadsByDevice(t *testing.T) {
	ctx := context.Background()
	listQuery := regexp.QuoteMeta(`WHERE device_id=$1`)

	t.Run("История устройства", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)
		now := time.Now()

		rows := downloadRow(models.DownloadStatusCompleted, 1024, now).AddRow(
			"dl-2", "hw-001", "user-1", "content-2", "failed", int64(50), int64(2048),
			int64(50), "сбой сети", now, now, nil,
		)
		mock.ExpectQuery(listQuery).WithArgs("hw-001").WillReturnRows(rows)

		downloads, err := repo.ListDownloadsByDevice(ctx, "hw-001")

		require.NoError(t, err)
		require.Len(t, downloads, 2)
		require.NotNil(t, downloads[1].ErrorMessage)
		assert.Equal(t, "сбой сети", *downloads[1].ErrorMessage)
	})

	t.Run("Пустая история", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		mock.ExpectQuery(listQuery).WithArgs("hw-404").
			WillReturnRows(sqlmock.NewRows(downloadColumns))

		downloads, err := repo.ListDownloadsByDevice(ctx, "hw-404")

		require.NoError(t, err)
		assert.Empty(t, downloads)
	})
}

func TestDownloadRepository_UpdateProgress(t *testing.T) {
	ctx := context.Background()
	updateQuery := regexp.QuoteMeta(`WHERE id=$1 AND status=$6 AND bytes_downloaded <= $3`)

	upd := repository.ProgressUpdate{
		ID:              "dl-1",
		PrevStatus:      models.DownloadStatusStarted,
		Status:          models.DownloadStatusPaused,
		BytesDownloaded: 512,
		ResumePosition:  512,
	}

	t.Run("Успешное обновление", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)
		now := time.Now()

		rows := sqlmock.NewRows(downloadColumns).AddRow(
			"dl-1", "hw-001", "user-1", "content-1", "paused", int64(512), int64(1024),
			int64(512), nil, now, now, nil,
		)
		mock.ExpectQuery(updateQuery).
			WithArgs("dl-1", models.DownloadStatusPaused, int64(512), int64(512), "",
				models.DownloadStatusStarted).
			WillReturnRows(rows)

		download, err := repo.UpdateProgress(ctx, upd)

		require.NoError(t, err)
		assert.Equal(t, models.DownloadStatusPaused, download.Status)
		assert.Equal(t, int64(512), download.ResumePosition)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Условие не сошлось: устаревшее обновление", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		// Параллельный писатель ушел вперед, условный UPDATE не затронул строк
		mock.ExpectQuery(updateQuery).WillReturnError(sql.ErrNoRows)

		_, err := repo.UpdateProgress(ctx, upd)

		require.ErrorIs(t, err, repository.ErrStaleProgress)
	})
}

func TestDownloadRepository_ResetResumePosition(t *testing.T) {
	ctx := context.Background()
	resetQuery := regexp.QuoteMeta(`SET resume_position=0`)

	t.Run("Позиция сброшена", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		mock.ExpectExec(resetQuery).WithArgs("dl-1").WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.ResetResumePosition(ctx, "dl-1"))
	})

	t.Run("Загрузка не найдена", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresDownloadRepository(db)

		mock.ExpectExec(resetQuery).WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.ResetResumePosition(ctx, "missing")

		require.ErrorIs(t, err, repository.ErrDownloadNotFound)
	})
}
