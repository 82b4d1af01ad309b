package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mkazancev/apphub/server/internal/api"
)

// adminClaims — полезная нагрузка административного токена.
type adminClaims struct {
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

// AdminOnly возвращает middleware для административных маршрутов.
// Ставится после DeviceAuth: требует флаг администратора у устройства и
// действительный Bearer-токен (HS256), подписанный серверным секретом.
// Отказ отдается с отдельным кодом ADMIN_REQUIRED, чтобы клиент мог отличить
// его от прочих запретов.
func AdminOnly(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := GetAuthInfo(r.Context())
			if !ok {
				log.Printf("[AdminOnly] Данные авторизации отсутствуют в контексте")
				api.WriteError(w, http.StatusInternalServerError, api.CodeInternalError,
					"Внутренняя ошибка сервера")
				return
			}

			if !info.IsAdmin {
				log.Printf("[AdminOnly] Устройство '%s' не имеет прав администратора", info.DeviceID)
				api.WriteError(w, http.StatusForbidden, api.CodeAdminRequired,
					"Требуются права администратора")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.Printf("[AdminOnly] Заголовок Authorization отсутствует (устройство '%s')", info.DeviceID)
				api.WriteError(w, http.StatusForbidden, api.CodeAdminRequired,
					"Требуется административный токен")
				return
			}

			// Проверяем формат "Bearer token"
			headerParts := strings.Split(authHeader, " ")
			if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" {
				log.Printf("[AdminOnly] Неверный формат заголовка Authorization")
				api.WriteError(w, http.StatusForbidden, api.CodeAdminRequired,
					"Неверный формат административного токена")
				return
			}

			claims := &adminClaims{}
			token, err := jwt.ParseWithClaims(headerParts[1], claims, func(token *jwt.Token) (interface{}, error) {
				// Убеждаемся, что метод подписи - HS256
				if _, methodOK := token.Method.(*jwt.SigningMethodHMAC); !methodOK {
					return nil, fmt.Errorf("неожиданный метод подписи: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid || !claims.IsAdmin {
				log.Printf("[AdminOnly] Невалидный административный токен (устройство '%s'): %v",
					info.DeviceID, err)
				api.WriteError(w, http.StatusForbidden, api.CodeAdminRequired,
					"Невалидный административный токен")
				return
			}

			log.Printf("[AdminOnly] Администратор '%s' (устройство %s) допущен", info.UserID, info.DeviceID)
			next.ServeHTTP(w, r)
		})
	}
}
