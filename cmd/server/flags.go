package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

const (
	// Порт по умолчанию для HTTPS (непривилегированный).
	defaultServerPort = "8443"

	// Переменные окружения.
	envServerPort     = "SERVER_PORT"
	envTLSCertFile    = "TLS_CERT_FILE"
	envTLSKeyFile     = "TLS_KEY_FILE"
	envDatabaseDSN    = "DATABASE_DSN"
	envAuthorityURL   = "AUTHORITY_URL"
	envURLSignSecret  = "URL_SIGN_SECRET"
	envAdminJWTSecret = "ADMIN_JWT_SECRET" //nolint:gosec // Имя переменной окружения, не секрет
)

// config хранит конфигурацию сервера.
type config struct {
	Port           string
	CertFile       string
	KeyFile        string
	DatabaseDSN    string
	AuthorityURL   string
	URLSignSecret  string
	AdminJWTSecret string
}

// parseFlags разбирает флаги и переменные окружения, возвращает config или ошибку.
// Флаг имеет приоритет над переменной окружения.
func parseFlags() (*config, error) {
	cfg := &config{}

	// Определяем флаги
	flag.StringVar(&cfg.Port, "port", "",
		fmt.Sprintf("Порт для запуска HTTPS-сервера (env: %s, default: %s)", envServerPort, defaultServerPort))
	flag.StringVar(&cfg.CertFile, "cert-file", "",
		fmt.Sprintf("Путь к файлу TLS-сертификата (env: %s)", envTLSCertFile))
	flag.StringVar(&cfg.KeyFile, "key-file", "",
		fmt.Sprintf("Путь к файлу TLS-ключа (env: %s)", envTLSKeyFile))
	flag.StringVar(&cfg.DatabaseDSN, "database-dsn", "",
		fmt.Sprintf("Строка подключения к базе данных (env: %s)", envDatabaseDSN))
	flag.StringVar(&cfg.AuthorityURL, "authority-url", "",
		fmt.Sprintf("Базовый URL центра учета устройств (env: %s)", envAuthorityURL))
	flag.StringVar(&cfg.URLSignSecret, "url-sign-secret", "",
		fmt.Sprintf("Секрет подписи ссылок на скачивание (env: %s)", envURLSignSecret))
	flag.StringVar(&cfg.AdminJWTSecret, "admin-jwt-secret", "",
		fmt.Sprintf("Секрет проверки административных токенов (env: %s)", envAdminJWTSecret))

	// Парсим флаги
	flag.Parse()

	// Применяем переменные окружения, если флаги не заданы
	applyEnvFallback(&cfg.Port, envServerPort, defaultServerPort)
	applyEnvFallback(&cfg.CertFile, envTLSCertFile, "")
	applyEnvFallback(&cfg.KeyFile, envTLSKeyFile, "")
	applyEnvFallback(&cfg.DatabaseDSN, envDatabaseDSN, "")
	applyEnvFallback(&cfg.AuthorityURL, envAuthorityURL, "")
	applyEnvFallback(&cfg.URLSignSecret, envURLSignSecret, "")
	applyEnvFallback(&cfg.AdminJWTSecret, envAdminJWTSecret, "")

	// Проверяем обязательные параметры
	if cfg.CertFile == "" {
		return nil, errors.New("не указан путь к файлу сертификата (--cert-file или " + envTLSCertFile + ")")
	}
	if cfg.KeyFile == "" {
		return nil, errors.New("не указан путь к файлу ключа (--key-file или " + envTLSKeyFile + ")")
	}
	if cfg.DatabaseDSN == "" {
		return nil, errors.New("не указана строка подключения к БД (--database-dsn или " + envDatabaseDSN + ")")
	}
	if cfg.AuthorityURL == "" {
		return nil, errors.New("не указан URL центра учета устройств (--authority-url или " + envAuthorityURL + ")")
	}
	if cfg.URLSignSecret == "" {
		return nil, errors.New("не указан секрет подписи ссылок (--url-sign-secret или " + envURLSignSecret + ")")
	}
	if cfg.AdminJWTSecret == "" {
		return nil, errors.New("не указан секрет административных токенов (--admin-jwt-secret или " +
			envAdminJWTSecret + ")")
	}

	return cfg, nil
}

// applyEnvFallback подставляет значение переменной окружения или значение по
// умолчанию, если флаг не был задан.
func applyEnvFallback(target *string, envKey, fallback string) {
	if *target != "" {
		return
	}
	if value, ok := os.LookupEnv(envKey); ok {
		*target = value
		return
	}
	*target = fallback
}
