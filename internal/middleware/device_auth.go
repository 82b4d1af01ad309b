package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/mkazancev/apphub/server/internal/api"
	"github.com/mkazancev/apphub/server/internal/identity"
)

// DeviceIDHeader — обязательный заголовок с аппаратным ID устройства
// на каждом защищенном запросе.
const DeviceIDHeader = "X-Device-ID"

// Тип для ключа контекста.
type contextKey string

// Ключ для хранения данных авторизации в контексте.
const authInfoKey contextKey = "authInfo"

// AuthInfo — типизированный результат авторизации запроса.
// Заполняется шлюзом DeviceAuth и передается обработчикам через контекст
// одним значением вместо россыпи нетипизированных ключей.
type AuthInfo struct {
	DeviceID        string
	UserID          string
	IsAdmin         bool
	SubscriptionEnd *time.Time
}

// DeviceAuth возвращает middleware, пропускающий запрос только от
// зарегистрированного устройства с действующей подпиской.
// Порядок проверок:
//  1. заголовок X-Device-ID обязателен (400 — ошибка запроса, не безопасности);
//  2. проверка в центре учета с транслированными ошибками; недоступность
//     центра — 503, а не отказ в авторизации;
//  3. authenticated=false — отказ до какой-либо бизнес-логики;
//  4. локальная проверка срока подписки по часам сервера, без второго
//     обращения к центру.
func DeviceAuth(verifier identity.Verifier, clock func() time.Time) func(http.Handler) http.Handler {
	if clock == nil {
		clock = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hardwareID := r.Header.Get(DeviceIDHeader)
			if hardwareID == "" {
				log.Printf("[DeviceAuth] Заголовок %s отсутствует", DeviceIDHeader)
				api.WriteError(w, http.StatusBadRequest, api.CodeValidationError,
					"Отсутствует заголовок "+DeviceIDHeader)
				return
			}

			ident, err := verifier.Verify(r.Context(), hardwareID)
			if err != nil {
				writeVerifyError(w, hardwareID, err)
				return
			}

			if !ident.Authenticated {
				log.Printf("[DeviceAuth] Устройство '%s' не прошло аутентификацию", hardwareID)
				api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated,
					"Устройство не аутентифицировано")
				return
			}

			// Срок подписки сверяется с часами сервера
			if ident.SubscriptionEnd != nil && ident.SubscriptionEnd.Before(clock()) {
				log.Printf("[DeviceAuth] Подписка устройства '%s' истекла %s",
					hardwareID, ident.SubscriptionEnd.Format(time.RFC3339))
				api.WriteError(w, http.StatusForbidden, api.CodeSubscriptionExpired,
					"Срок действия подписки истек")
				return
			}

			info := AuthInfo{
				DeviceID:        hardwareID,
				UserID:          ident.UserID,
				IsAdmin:         ident.IsAdmin,
				SubscriptionEnd: ident.SubscriptionEnd,
			}
			ctx := context.WithValue(r.Context(), authInfoKey, info)

			log.Printf("[DeviceAuth] Устройство '%s' (пользователь %s) успешно авторизовано",
				hardwareID, ident.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeVerifyError транслирует ошибки проверки устройства в HTTP-ответы.
// Недоступность центра учета отдается как 503: клиент должен повторить
// запрос позже, а не трактовать сбой как постоянный отказ.
func writeVerifyError(w http.ResponseWriter, hardwareID string, err error) {
	switch {
	case errors.Is(err, identity.ErrDeviceNotRegistered):
		api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthenticated,
			"Устройство не зарегистрировано")
	case errors.Is(err, identity.ErrDeviceInactive), errors.Is(err, identity.ErrDeviceAmbiguous):
		api.WriteError(w, http.StatusForbidden, api.CodeDeviceInactive,
			"Устройство неактивно")
	case errors.Is(err, identity.ErrAuthorityUnavailable):
		log.Printf("[DeviceAuth] Центр учета недоступен при проверке '%s': %v", hardwareID, err)
		api.WriteError(w, http.StatusServiceUnavailable, api.CodeAuthorityUnavailable,
			"Центр учета устройств временно недоступен")
	default:
		log.Printf("[DeviceAuth] Непредвиденная ошибка проверки устройства '%s': %v", hardwareID, err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
			"Внутренняя ошибка сервера")
	}
}

// GetAuthInfo извлекает данные авторизации из контекста запроса.
// Возвращает данные и true, если запрос прошел через DeviceAuth, иначе false.
func GetAuthInfo(ctx context.Context) (AuthInfo, bool) {
	if ctx == nil {
		return AuthInfo{}, false
	}
	info, ok := ctx.Value(authInfoKey).(AuthInfo)
	return info, ok
}

// WithAuthInfo кладет данные авторизации в контекст. Используется в тестах
// обработчиков, чтобы не поднимать весь шлюз.
func WithAuthInfo(ctx context.Context, info AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}
