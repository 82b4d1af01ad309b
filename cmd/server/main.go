package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Драйвер PostgreSQL

	"github.com/mkazancev/apphub/server/internal/api"
	"github.com/mkazancev/apphub/server/internal/handlers"
	"github.com/mkazancev/apphub/server/internal/identity"
	appmiddleware "github.com/mkazancev/apphub/server/internal/middleware"
	"github.com/mkazancev/apphub/server/internal/repository"
	"github.com/mkazancev/apphub/server/internal/services"
	"github.com/mkazancev/apphub/server/internal/signer"
	"github.com/mkazancev/apphub/server/internal/storage"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Minute // Отдача крупных дистрибутивов
	defaultIdleTimeout  = 30 * time.Second

	verifyTimeout       = 10 * time.Second
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second

	// Переменные окружения для MinIO (значения по умолчанию из docker-compose).
	envMinioEndpoint     = "MINIO_ENDPOINT"
	envMinioUser         = "MINIO_USER"
	envMinioPassword     = "MINIO_PASSWORD"
	envMinioBucket       = "MINIO_BUCKET"
	defaultMinioEndpoint = "localhost:9000"
	defaultMinioUser     = "minioadmin"
	defaultMinioPassword = "minioadmin"
	defaultMinioBucket   = "apphub-contents"
	minioUseSSL          = false // Для локальной разработки
)

// newPostgresDB вынесена в переменную для подмены в тестах.
var newPostgresDB = repository.NewPostgresDB

// dependencies — инициализированные компоненты сервера.
// Композиция собирается один раз в setupDependencies и передается явно:
// никаких пакетных синглтонов.
type dependencies struct {
	db              *sqlx.DB
	fileStorage     storage.FileStorage
	healthMonitor   *storage.HealthMonitor
	verifier        identity.Verifier
	contentHandler  *handlers.ContentHandler
	downloadHandler *handlers.DownloadHandler
}

// main - точка входа. Вызывает run и обрабатывает ошибку.
func main() {
	if err := run(); err != nil {
		log.Printf("Ошибка выполнения сервера: %v", err)
		os.Exit(1)
	}
}

// run содержит основную логику запуска сервера и возвращает ошибку.
func run() error {
	log.Println("Запуск сервера AppHub...")

	cfg, err := parseFlags()
	if err != nil {
		return fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}

	deps, err := setupDependencies(cfg)
	if err != nil {
		return fmt.Errorf("ошибка инициализации зависимостей: %w", err)
	}
	defer func() {
		deps.healthMonitor.Stop()
		if closeErr := deps.db.Close(); closeErr != nil {
			log.Printf("Ошибка закрытия соединения с БД: %v", closeErr)
		}
	}()

	deps.healthMonitor.Start()

	r := setupRouter(cfg, deps)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	log.Printf("Запуск HTTPS-сервера на порту %s...", cfg.Port)
	if err = server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ошибка запуска HTTPS-сервера: %w", err)
	}
	return nil
}

// setupDependencies инициализирует и возвращает все компоненты сервера.
func setupDependencies(cfg *config) (*dependencies, error) {
	deps := &dependencies{}
	var err error

	// 1. Подключение к БД
	deps.db, err = newPostgresDB(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации БД: %w", err)
	}

	// 2. Инициализация клиента MinIO
	minioCfg := storage.MinioConfig{
		Endpoint:        getEnv(envMinioEndpoint, defaultMinioEndpoint),
		AccessKeyID:     getEnv(envMinioUser, defaultMinioUser),
		SecretAccessKey: getEnv(envMinioPassword, defaultMinioPassword),
		UseSSL:          minioUseSSL,
		BucketName:      getEnv(envMinioBucket, defaultMinioBucket),
	}
	deps.fileStorage, err = storage.NewMinioClient(minioCfg)
	if err != nil {
		if dbCloseErr := deps.db.Close(); dbCloseErr != nil {
			log.Printf("Ошибка закрытия соединения с БД при ошибке MinIO: %v", dbCloseErr)
		}
		return nil, fmt.Errorf("ошибка инициализации клиента MinIO: %w", err)
	}
	deps.healthMonitor = storage.NewHealthMonitor(deps.fileStorage, healthProbeInterval, healthProbeTimeout)

	// 3. Клиент центра учета устройств
	deps.verifier = identity.NewAuthorityClient(cfg.AuthorityURL, verifyTimeout)

	// 4. Репозитории
	contentRepo := repository.NewPostgresContentRepository(deps.db)
	downloadRepo := repository.NewPostgresDownloadRepository(deps.db)

	// 5. Сервисы
	urlSigner := signer.NewURLSigner(cfg.URLSignSecret)
	catalogService := services.NewCatalogService(contentRepo, deps.fileStorage)
	downloadService := services.NewDownloadService(downloadRepo, contentRepo, deps.fileStorage, urlSigner)

	// 6. Обработчики
	deps.contentHandler = handlers.NewContentHandler(catalogService)
	deps.downloadHandler = handlers.NewDownloadHandler(downloadService)

	return deps, nil
}

// setupRouter настраивает и возвращает роутер chi.
func setupRouter(cfg *config, deps *dependencies) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	deviceAuth := appmiddleware.DeviceAuth(deps.verifier, time.Now)
	adminOnly := appmiddleware.AdminOnly(cfg.AdminJWTSecret)

	// --- Маршруты --- //
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong\n"))
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{
			"status": string(deps.healthMonitor.Status()),
		})
	})

	r.Route("/api", func(r chi.Router) {
		// Скачивание по подписанной ссылке: доступ дает сама подпись,
		// шлюз устройств не применяется
		r.Get("/content/{id}/file", deps.downloadHandler.ServeFile)

		// Маршруты, защищенные шлюзом устройств
		r.Group(func(r chi.Router) {
			r.Use(deviceAuth)

			r.Get("/content", deps.contentHandler.List)
			r.Route("/downloads", func(r chi.Router) {
				r.Post("/start", deps.downloadHandler.Start)
				r.Put("/status", deps.downloadHandler.UpdateStatus)
				r.Get("/history", deps.downloadHandler.History)
				r.Get("/url", deps.downloadHandler.IssueURL)
			})

			// Административные маршруты
			r.Group(func(r chi.Router) {
				r.Use(adminOnly)

				r.Post("/content", deps.contentHandler.Create)
				r.Put("/content/{id}", deps.contentHandler.Update)
				r.Delete("/content/{id}", deps.contentHandler.Delete)
			})
		})
	})
	return r
}

// getEnv получает значение переменной окружения или возвращает значение по умолчанию.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	log.Printf("Переменная окружения '%s' не установлена, используется значение по умолчанию: '%s'", key, fallback)
	return fallback
}
