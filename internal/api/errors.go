package api

import (
	"encoding/json"
	"log"
	"net/http"
)

// Стабильные коды ошибок приложения. Клиенты ветвятся по коду,
// не разбирая текст сообщения; коды не меняются между версиями.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeUnauthenticated      = "UNAUTHENTICATED"
	CodeDeviceInactive       = "DEVICE_INACTIVE"
	CodeSubscriptionExpired  = "SUBSCRIPTION_EXPIRED"
	CodeAdminRequired        = "ADMIN_REQUIRED"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeAuthorityUnavailable = "AUTHORITY_UNAVAILABLE"
	CodeStorageError         = "STORAGE_ERROR"
	CodeInternalError        = "INTERNAL_ERROR"
)

// ErrorResponse — тело любого отклоненного запроса.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteError отправляет JSON-конверт ошибки с указанным HTTP-статусом.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code}); err != nil {
		log.Printf("[API] Ошибка кодирования конверта ошибки: %v", err)
	}
}

// WriteJSON отправляет успешный JSON-ответ с указанным HTTP-статусом.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[API] Ошибка кодирования ответа: %v", err)
	}
}
