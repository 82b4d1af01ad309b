package repository

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Драйвер PostgreSQL, импортируем для регистрации
)

// Запросы к базе короткие: чтение каталога и отчеты о прогрессе.
// Сами байты дистрибутивов через пул не проходят, они идут из объектного
// хранилища, поэтому пул меньше числа одновременных скачиваний.
const (
	maxOpenConns    = 16               // Потолок на всплеск отчетов о прогрессе
	maxIdleConns    = 8                // Половина пула держится теплой между всплесками
	connMaxLifetime = 30 * time.Minute // Переподключение для ротации балансировщика
	connMaxIdleTime = 10 * time.Minute // Простаивающие соединения сверх теплых закрываются
)

// NewPostgresDB создает и возвращает новое подключение к PostgreSQL.
// Каталог контента и журнал загрузок живут в одной базе.
func NewPostgresDB(dsn string) (*sqlx.DB, error) {
	log.Printf("Подключение к PostgreSQL...")

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}

	// Проверка соединения
	if err = db.Ping(); err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			log.Printf("Ошибка закрытия соединения с БД после неудачного пинга: %v", closeErr)
		}
		return nil, fmt.Errorf("ошибка проверки соединения с БД (ping): %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	log.Println("Подключение к PostgreSQL успешно установлено.")
	return db, nil
}
