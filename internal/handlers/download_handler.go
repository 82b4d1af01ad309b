package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mkazancev/apphub/server/internal/api"
	"github.com/mkazancev/apphub/server/internal/middleware"
	"github.com/mkazancev/apphub/server/internal/models"
	"github.com/mkazancev/apphub/server/internal/services"
)

// DownloadHandler обрабатывает HTTP-запросы журнала загрузок и выдачи ссылок.
type DownloadHandler struct {
	downloadService services.DownloadService
}

// NewDownloadHandler создает новый экземпляр DownloadHandler.
func NewDownloadHandler(ds services.DownloadService) *DownloadHandler {
	return &DownloadHandler{downloadService: ds}
}

// StartRequest представляет тело запроса на старт загрузки.
type StartRequest struct {
	ContentID string `json:"content_id"`
}

// ConflictResponse — тело ответа 409 при уже активной загрузке.
// Несет ID существующей записи, чтобы клиент продолжил ее.
type ConflictResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	DownloadID string `json:"download_id"`
}

// Start обрабатывает POST запрос на старт загрузки контента.
func (h *DownloadHandler) Start(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.GetAuthInfo(r.Context())
	if !ok {
		log.Printf("[DownloadHandler:Start] Данные авторизации отсутствуют в контексте")
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
			"Внутренняя ошибка сервера")
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[DownloadHandler:Start] Ошибка декодирования тела запроса: %v", err)
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Неверный формат запроса")
		return
	}
	if req.ContentID == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Не указан content_id")
		return
	}

	download, err := h.downloadService.StartDownload(r.Context(), auth, req.ContentID)
	if err != nil {
		var conflict *services.ConflictError
		switch {
		case errors.As(err, &conflict):
			api.WriteJSON(w, http.StatusConflict, ConflictResponse{
				Error:      "Активная загрузка этого контента уже существует",
				Code:       api.CodeConflict,
				DownloadID: conflict.ExistingID,
			})
		case errors.Is(err, services.ErrContentNotFound):
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound,
				"Контент не найден")
		default:
			log.Printf("[DownloadHandler:Start] Внутренняя ошибка при старте загрузки: %v", err)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
				"Внутренняя ошибка сервера")
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, download)
}

// StatusRequest представляет тело отчета о прогрессе загрузки.
type StatusRequest struct {
	Status          models.DownloadStatus `json:"status"`
	BytesDownloaded int64                 `json:"bytes_downloaded"`
	ErrorMessage    string                `json:"error_message,omitempty"`
}

// UpdateStatus обрабатывает PUT запрос с отчетом о прогрессе загрузки.
func (h *DownloadHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.GetAuthInfo(r.Context())
	if !ok {
		log.Printf("[DownloadHandler:UpdateStatus] Данные авторизации отсутствуют в контексте")
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
			"Внутренняя ошибка сервера")
		return
	}

	downloadID := r.URL.Query().Get("id")
	if downloadID == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Не указан параметр id")
		return
	}

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[DownloadHandler:UpdateStatus] Ошибка декодирования тела запроса: %v", err)
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Неверный формат запроса")
		return
	}

	download, err := h.downloadService.UpdateProgress(r.Context(), auth, services.ProgressReport{
		DownloadID:      downloadID,
		Status:          req.Status,
		BytesDownloaded: req.BytesDownloaded,
		ErrorMessage:    req.ErrorMessage,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDownloadNotFound):
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound,
				"Загрузка не найдена")
		case errors.Is(err, services.ErrInvalidStatus), errors.Is(err, services.ErrInvalidProgress):
			api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
				"Некорректный статус или значение прогресса")
		case errors.Is(err, services.ErrInvalidTransition), errors.Is(err, services.ErrStaleProgress):
			api.WriteError(w, http.StatusConflict, api.CodeConflict,
				"Отчет о прогрессе конфликтует с текущим состоянием загрузки")
		default:
			log.Printf("[DownloadHandler:UpdateStatus] Внутренняя ошибка при обновлении %s: %v",
				downloadID, err)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
				"Внутренняя ошибка сервера")
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, download)
}

// History обрабатывает GET запрос истории загрузок устройства.
func (h *DownloadHandler) History(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.GetAuthInfo(r.Context())
	if !ok {
		log.Printf("[DownloadHandler:History] Данные авторизации отсутствуют в контексте")
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
			"Внутренняя ошибка сервера")
		return
	}

	downloads, err := h.downloadService.History(r.Context(), auth)
	if err != nil {
		log.Printf("[DownloadHandler:History] Внутренняя ошибка при получении истории: %v", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
			"Внутренняя ошибка сервера")
		return
	}

	api.WriteJSON(w, http.StatusOK, downloads)
}

// URLResponse — тело ответа с подписанной ссылкой на скачивание.
type URLResponse struct {
	DownloadURL string `json:"download_url"`
	ExpiresIn   int64  `json:"expires_in"`
}

// IssueURL обрабатывает GET запрос на выдачу подписанной ссылки.
func (h *DownloadHandler) IssueURL(w http.ResponseWriter, r *http.Request) {
	contentID := r.URL.Query().Get("content_id")
	if contentID == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Не указан параметр content_id")
		return
	}

	signedURL, expiresIn, err := h.downloadService.IssueDownloadURL(r.Context(), contentID)
	if err != nil {
		if errors.Is(err, services.ErrContentNotFound) {
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound,
				"Контент не найден")
		} else {
			log.Printf("[DownloadHandler:IssueURL] Внутренняя ошибка при выдаче ссылки: %v", err)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
				"Внутренняя ошибка сервера")
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, URLResponse{
		DownloadURL: signedURL,
		ExpiresIn:   int64(expiresIn.Seconds()),
	})
}

// ServeFile обрабатывает GET запрос байтов контента по подписанной ссылке.
// Маршрут не проходит через шлюз устройств: доступ дает сама подпись.
// Заголовок Range (bytes=N-) продолжает прерванную загрузку с байта N; если
// хранилище отказало в диапазоне, поток отдается с нуля и, при указанном
// download_id, позиция докачки в журнале сбрасывается.
func (h *DownloadHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	contentID := chi.URLParam(r, "id")
	expires := r.URL.Query().Get("expires")
	sig := r.URL.Query().Get("sig")
	if expires == "" || sig == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Отсутствуют параметры подписи")
		return
	}

	offset, err := parseRangeOffset(r.Header.Get("Range"))
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
			"Неверный формат заголовка Range")
		return
	}

	reader, content, actualOffset, err := h.downloadService.OpenContentStream(
		r.Context(), contentID, expires, sig, offset)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidSignature):
			api.WriteError(w, http.StatusForbidden, api.CodeForbidden,
				"Ссылка недействительна или просрочена")
		case errors.Is(err, services.ErrContentNotFound):
			api.WriteError(w, http.StatusNotFound, api.CodeNotFound,
				"Контент не найден")
		case errors.Is(err, services.ErrRangeOutOfBounds):
			api.WriteError(w, http.StatusRequestedRangeNotSatisfiable, api.CodeValidationError,
				"Запрошенный диапазон за пределами контента")
		case errors.Is(err, services.ErrStorageFailure):
			log.Printf("[DownloadHandler:ServeFile] Ошибка хранилища для контента %s: %v", contentID, err)
			api.WriteError(w, http.StatusBadGateway, api.CodeStorageError,
				"Ошибка объектного хранилища")
		default:
			log.Printf("[DownloadHandler:ServeFile] Внутренняя ошибка для контента %s: %v", contentID, err)
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
				"Внутренняя ошибка сервера")
		}
		return
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			log.Printf("[DownloadHandler:ServeFile] Ошибка закрытия потока контента: %v", closeErr)
		}
	}()

	// Докачка выродилась в полную перекачку: фиксируем в журнале
	if offset > 0 && actualOffset == 0 {
		if downloadID := r.URL.Query().Get("download_id"); downloadID != "" {
			if recErr := h.downloadService.RecordRangeDegradation(r.Context(), downloadID); recErr != nil {
				log.Printf("[DownloadHandler:ServeFile] Не удалось сбросить позицию докачки %s: %v",
					downloadID, recErr)
			}
		}
	}

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename=%q`, content.Name+"-"+content.Version))
	if actualOffset > 0 {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", actualOffset, content.SizeBytes-1, content.SizeBytes))
		w.Header().Set("Content-Length", strconv.FormatInt(content.SizeBytes-actualOffset, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(content.SizeBytes, 10))
	}

	if _, err = io.Copy(w, reader); err != nil {
		// Клиент прервал скачивание: запись в журнале обновит сам клиент
		log.Printf("[DownloadHandler:ServeFile] Передача контента %s прервана: %v", contentID, err)
		return
	}

	log.Printf("[DownloadHandler:ServeFile] Контент %s успешно отправлен (с байта %d)", contentID, actualOffset)
}

// parseRangeOffset разбирает заголовок вида "bytes=N-" в начальное смещение.
// Пустой заголовок — скачивание с нуля. Диапазоны с верхней границей и
// множественные диапазоны не поддерживаются.
func parseRangeOffset(rangeHeader string) (int64, error) {
	if rangeHeader == "" {
		return 0, nil
	}
	spec, found := strings.CutPrefix(rangeHeader, "bytes=")
	if !found {
		return 0, errors.New("неподдерживаемая единица диапазона")
	}
	start, found := strings.CutSuffix(spec, "-")
	if !found {
		return 0, errors.New("поддерживаются только открытые диапазоны bytes=N-")
	}
	offset, err := strconv.ParseInt(start, 10, 64)
	if err != nil || offset < 0 {
		return 0, errors.New("неверное начальное смещение диапазона")
	}
	return offset, nil
}
