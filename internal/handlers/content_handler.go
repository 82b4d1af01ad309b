package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mkazancev/apphub/server/internal/api"
	"github.com/mkazancev/apphub/server/internal/models"
	"github.com/mkazancev/apphub/server/internal/services"
)

// Ограничение на размер неблокирующей части multipart-формы в памяти.
const maxMultipartMemory = 32 << 20 // 32 МБ

// ContentHandler обрабатывает HTTP-запросы к каталогу дистрибутивов.
type ContentHandler struct {
	catalogService services.CatalogService
}

// NewContentHandler создает новый экземпляр ContentHandler.
func NewContentHandler(cs services.CatalogService) *ContentHandler {
	return &ContentHandler{catalogService: cs}
}

// List обрабатывает GET запрос на получение каталога.
func (h *ContentHandler) List(w http.ResponseWriter, r *http.Request) {
	contents, err := h.catalogService.ListContents(r.Context())
	if err != nil {
		log.Printf("[ContentHandler:List] Внутренняя ошибка при получении каталога: %v", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
			"Внутренняя ошибка сервера")
		return
	}

	api.WriteJSON(w, http.StatusOK, contents)
}

// Create обрабатывает POST запрос на публикацию дистрибутива (multipart-форма
// с полями name, version, description, content_type и файлом в части file).
func (h *ContentHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		log.Printf("[ContentHandler:Create] Ошибка разбора multipart-формы: %v", err)
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Неверный формат multipart-формы")
		return
	}

	meta := models.ContentMetadata{
		Name:    r.FormValue("name"),
		Version: r.FormValue("version"),
	}
	if description := r.FormValue("description"); description != "" {
		meta.Description = &description
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		log.Printf("[ContentHandler:Create] Файл отсутствует в форме: %v", err)
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Отсутствует файл дистрибутива (часть 'file')")
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Printf("[ContentHandler:Create] Ошибка закрытия файла формы: %v", closeErr)
		}
	}()

	contentType := r.FormValue("content_type")
	if contentType == "" {
		contentType = fileHeader.Header.Get("Content-Type")
	}

	content, err := h.catalogService.PublishContent(r.Context(), meta, file, fileHeader.Size, contentType)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidMetadata):
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
				"Некорректные метаданные дистрибутива")
		case errors.Is(err, services.ErrStorageKeyTaken):
			api.WriteError(w, http.StatusConflict, api.CodeConflict,
				"Ключ хранилища уже используется другим дистрибутивом")
		case errors.Is(err, services.ErrSizeMismatch), errors.Is(err, services.ErrStorageFailure):
			log.Printf("[ContentHandler:Create] Ошибка хранилища при публикации: %v", err)
			api.WriteError(w, http.StatusBadGateway, api.CodeStorageError,
				"Ошибка объектного хранилища")
		default:
			log.Printf("[ContentHandler:Create] Внутренняя ошибка при публикации: %v", err)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
				"Внутренняя ошибка сервера")
		}
		return
	}

	log.Printf("[ContentHandler:Create] Дистрибутив '%s' опубликован с ID %s", content.Name, content.ID)
	api.WriteJSON(w, http.StatusOK, content)
}

// Update обрабатывает PUT запрос на обновление метаданных дистрибутива.
func (h *ContentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var meta models.ContentMetadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		log.Printf("[ContentHandler:Update] Ошибка декодирования тела запроса: %v", err)
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Неверный формат запроса")
		return
	}

	content, err := h.catalogService.UpdateContent(r.Context(), id, meta)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidMetadata):
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
				"Некорректные метаданные дистрибутива")
		case errors.Is(err, services.ErrContentNotFound):
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound,
				"Дистрибутив не найден")
		default:
			log.Printf("[ContentHandler:Update] Внутренняя ошибка при обновлении %s: %v", id, err)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
				"Внутренняя ошибка сервера")
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, content)
}

// Delete обрабатывает DELETE запрос на удаление дистрибутива.
func (h *ContentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.catalogService.DeleteContent(r.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrContentNotFound) {
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound,
				"Дистрибутив не найден")
		} else {
			log.Printf("[ContentHandler:Delete] Внутренняя ошибка при удалении %s: %v", id, err)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
				"Внутренняя ошибка сервера")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
