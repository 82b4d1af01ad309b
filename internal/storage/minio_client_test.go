package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkazancev/apphub/server/internal/storage"
)

func TestNewMinioClient(t *testing.T) {
	t.Run("Недоступное хранилище на старте не фатально", func(t *testing.T) {
		// Порт 1 закрыт: проверка бакета провалится, но сервер должен
		// запуститься, доступность дальше отслеживает монитор
		client, err := storage.NewMinioClient(storage.MinioConfig{
			Endpoint:        "127.0.0.1:1",
			AccessKeyID:     "user",
			SecretAccessKey: "password",
			BucketName:      "apphub-contents",
		})

		require.NoError(t, err)
		require.NotNil(t, client)
	})

	t.Run("Некорректный эндпоинт — ошибка инициализации", func(t *testing.T) {
		_, err := storage.NewMinioClient(storage.MinioConfig{
			Endpoint:        "invalid-endpoint:!!!",
			AccessKeyID:     "user",
			SecretAccessKey: "password",
			BucketName:      "apphub-contents",
		})

		require.Error(t, err)
	})
}
