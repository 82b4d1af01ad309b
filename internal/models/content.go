package models

import "time"

// Content представляет дистрибутив приложения, доступный устройствам для скачивания.
// Бинарные данные хранятся в объектном хранилище по ключу StorageKey;
// после публикации ключ неизменяем, новые версии — новые записи.
type Content struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Version     string    `db:"version" json:"version"`
	Description *string   `db:"description" json:"description,omitempty"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	StorageKey  string    `db:"storage_key" json:"storage_key"`
	ContentType string    `db:"content_type" json:"content_type"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ContentMetadata содержит изменяемые поля Content (все, кроме ключа и бинарных данных).
type ContentMetadata struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Description *string `json:"description,omitempty"`
}
