package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkazancev/apphub/server/internal/models"
	"github.com/mkazancev/apphub/server/internal/repository"
)

// newMockDB создает sqlx.DB поверх go-sqlmock.
func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var contentColumns = []string{
	"id", "name", "version", "description", "size_bytes",
	"storage_key", "content_type", "created_at", "updated_at",
}

func contentRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(contentColumns).AddRow(
		"content-1", "app", "1.2.3", nil, int64(1024),
		"contents/content-1/1.2.3", "application/zip", now, now,
	)
}

func TestContentRepository_CreateContent(t *testing.T) {
	ctx := context.Background()
	insertQuery := regexp.QuoteMeta(`INSERT INTO contents`)

	t.Run("Успешное создание", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)
		now := time.Now()

		mock.ExpectQuery(insertQuery).
			WithArgs("content-1", "app", "1.2.3", nil, int64(1024),
				"contents/content-1/1.2.3", "application/zip").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

		content := &models.Content{
			ID: "content-1", Name: "app", Version: "1.2.3", SizeBytes: 1024,
			StorageKey: "contents/content-1/1.2.3", ContentType: "application/zip",
		}
		err := repo.CreateContent(ctx, content)

		require.NoError(t, err)
		assert.Equal(t, now, content.CreatedAt)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Занятый ключ хранилища", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)

		mock.ExpectQuery(insertQuery).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "contents_storage_key_key"})

		err := repo.CreateContent(ctx, &models.Content{
			ID: "content-2", Name: "app", Version: "1.2.3",
			StorageKey: "contents/content-1/1.2.3",
		})

		require.ErrorIs(t, err, repository.ErrStorageKeyTaken)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Непредвиденная ошибка БД", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)

		mock.ExpectQuery(insertQuery).WillReturnError(errors.New("соединение разорвано"))

		err := repo.CreateContent(ctx, &models.Content{ID: "content-3", Name: "app", Version: "1.0.0"})

		require.Error(t, err)
		assert.NotErrorIs(t, err, repository.ErrStorageKeyTaken)
	})
}

func TestContentRepository_GetContentByID(t *testing.T) {
	ctx := context.Background()
	selectQuery := regexp.QuoteMeta(`FROM contents WHERE id=$1`)

	t.Run("Контент найден", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)

		mock.ExpectQuery(selectQuery).WithArgs("content-1").WillReturnRows(contentRow(time.Now()))

		content, err := repo.GetContentByID(ctx, "content-1")

		require.NoError(t, err)
		assert.Equal(t, "content-1", content.ID)
		assert.Equal(t, int64(1024), content.SizeBytes)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Контент не найден", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)

		mock.ExpectQuery(selectQuery).WithArgs("missing").WillReturnError(sql.ErrNoRows)

		_, err := repo.GetContentByID(ctx, "missing")

		require.ErrorIs(t, err, repository.ErrContentNotFound)
	})
}

func TestContentRepository_ListContents(t *testing.T) {
	ctx := context.Background()
	listQuery := regexp.QuoteMeta(`ORDER BY created_at DESC, id`)

	t.Run("Снимок каталога", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)
		now := time.Now()

		rows := contentRow(now).AddRow(
			"content-2", "tool", "2.0.0", "утилита", int64(2048),
			"contents/content-2/2.0.0", "application/octet-stream", now, now,
		)
		mock.ExpectQuery(listQuery).WillReturnRows(rows)

		contents, err := repo.ListContents(ctx)

		require.NoError(t, err)
		require.Len(t, contents, 2)
		assert.Equal(t, "content-1", contents[0].ID)
		assert.Equal(t, "content-2", contents[1].ID)
	})

	t.Run("Пустой каталог", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)

		mock.ExpectQuery(listQuery).WillReturnRows(sqlmock.NewRows(contentColumns))

		contents, err := repo.ListContents(ctx)

		require.NoError(t, err)
		assert.Empty(t, contents)
	})
}

func TestContentRepository_UpdateContent(t *testing.T) {
	ctx := context.Background()
	updateQuery := regexp.QuoteMeta(`UPDATE contents`)
	meta := models.ContentMetadata{Name: "app", Version: "1.3.0"}

	t.Run("Успешное обновление", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)
		now := time.Now()

		rows := sqlmock.NewRows(contentColumns).AddRow(
			"content-1", "app", "1.3.0", nil, int64(1024),
			"contents/content-1/1.2.3", "application/zip", now, now,
		)
		mock.ExpectQuery(updateQuery).
			WithArgs("content-1", "app", "1.3.0", nil).
			WillReturnRows(rows)

		content, err := repo.UpdateContent(ctx, "content-1", meta)

		require.NoError(t, err)
		assert.Equal(t, "1.3.0", content.Version)
		// Ключ хранилища неизменен
		assert.Equal(t, "contents/content-1/1.2.3", content.StorageKey)
	})

	t.Run("Контент не найден", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)

		mock.ExpectQuery(updateQuery).WillReturnError(sql.ErrNoRows)

		_, err := repo.UpdateContent(ctx, "missing", meta)

		require.ErrorIs(t, err, repository.ErrContentNotFound)
	})
}

func TestContentRepository_DeleteContent(t *testing.T) {
	ctx := context.Background()
	deleteQuery := regexp.QuoteMeta(`DELETE FROM contents WHERE id=$1`)

	t.Run("Успешное удаление", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)

		mock.ExpectExec(deleteQuery).WithArgs("content-1").WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.DeleteContent(ctx, "content-1"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Контент не найден", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := repository.NewPostgresContentRepository(db)

		mock.ExpectExec(deleteQuery).WithArgs("missing").WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.DeleteContent(ctx, "missing")

		require.ErrorIs(t, err, repository.ErrContentNotFound)
	})
}

func TestContentRepository_StorageKeyExists(t *testing.T) {
	ctx := context.Background()
	existsQuery := regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM contents WHERE storage_key=$1)`)

	tests := []struct {
		name   string
		exists bool
	}{
		{"Ключ занят", true},
		{"Ключ свободен", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := repository.NewPostgresContentRepository(db)

			mock.ExpectQuery(existsQuery).WithArgs("contents/x/1.0.0").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tc.exists))

			exists, err := repo.StorageKeyExists(ctx, "contents/x/1.0.0")

			require.NoError(t, err)
			assert.Equal(t, tc.exists, exists)
		})
	}
}
