package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mkazancev/apphub/server/internal/api"
	"github.com/mkazancev/apphub/server/internal/identity"
	"github.com/mkazancev/apphub/server/internal/middleware"
	"github.com/mkazancev/apphub/server/internal/models"
)

// MockVerifier is a mock implementation of identity.Verifier interface.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, hardwareID string) (*models.DeviceIdentity, error) {
	args := m.Called(ctx, hardwareID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DeviceIdentity), args.Error(1) //nolint:errcheck // Acceptable for mocks
}

// fixedClock возвращает функцию часов с фиксированным временем.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func decodeErrorResponse(t *testing.T, body *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.NewDecoder(body.Body).Decode(&resp))
	return resp
}

func TestDeviceAuth(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	activeEnd := now.Add(30 * 24 * time.Hour)
	expiredEnd := now.Add(-time.Hour)

	tests := []struct {
		name               string
		deviceHeader       string
		mockSetup          func(v *MockVerifier)
		expectedStatusCode int
		expectedCode       string
		expectNextCalled   bool
	}{
		{
			name:         "Успешная авторизация",
			deviceHeader: "hw-001",
			mockSetup: func(v *MockVerifier) {
				v.On("Verify", mock.Anything, "hw-001").Return(&models.DeviceIdentity{
					Authenticated:   true,
					HardwareID:      "hw-001",
					UserID:          "user-1",
					SubscriptionEnd: &activeEnd,
				}, nil)
			},
			expectedStatusCode: http.StatusOK,
			expectNextCalled:   true,
		},
		{
			name:               "Отсутствует заголовок устройства",
			deviceHeader:       "",
			mockSetup:          func(_ *MockVerifier) {},
			expectedStatusCode: http.StatusBadRequest,
			expectedCode:       api.CodeValidationError,
		},
		{
			name:         "Устройство не зарегистрировано",
			deviceHeader: "hw-001",
			mockSetup: func(v *MockVerifier) {
				v.On("Verify", mock.Anything, "hw-001").Return(nil, identity.ErrDeviceNotRegistered)
			},
			expectedStatusCode: http.StatusUnauthorized,
			expectedCode:       api.CodeUnauthenticated,
		},
		{
			name:         "Устройство неактивно",
			deviceHeader: "hw-001",
			mockSetup: func(v *MockVerifier) {
				v.On("Verify", mock.Anything, "hw-001").Return(nil, identity.ErrDeviceInactive)
			},
			expectedStatusCode: http.StatusForbidden,
			expectedCode:       api.CodeDeviceInactive,
		},
		{
			name:         "Центр учета недоступен — 503, а не 401",
			deviceHeader: "hw-001",
			mockSetup: func(v *MockVerifier) {
				v.On("Verify", mock.Anything, "hw-001").Return(nil, identity.ErrAuthorityUnavailable)
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedCode:       api.CodeAuthorityUnavailable,
		},
		{
			name:         "Не прошло аутентификацию",
			deviceHeader: "hw-001",
			mockSetup: func(v *MockVerifier) {
				v.On("Verify", mock.Anything, "hw-001").Return(&models.DeviceIdentity{
					Authenticated: false,
					HardwareID:    "hw-001",
				}, nil)
			},
			expectedStatusCode: http.StatusUnauthorized,
			expectedCode:       api.CodeUnauthenticated,
		},
		{
			name:         "Подписка истекла при authenticated=true",
			deviceHeader: "hw-001",
			mockSetup: func(v *MockVerifier) {
				v.On("Verify", mock.Anything, "hw-001").Return(&models.DeviceIdentity{
					Authenticated:   true,
					HardwareID:      "hw-001",
					UserID:          "user-1",
					SubscriptionEnd: &expiredEnd,
				}, nil)
			},
			expectedStatusCode: http.StatusForbidden,
			expectedCode:       api.CodeSubscriptionExpired,
		},
		{
			name:         "Без срока подписки — доступ разрешен",
			deviceHeader: "hw-001",
			mockSetup: func(v *MockVerifier) {
				v.On("Verify", mock.Anything, "hw-001").Return(&models.DeviceIdentity{
					Authenticated: true,
					HardwareID:    "hw-001",
					UserID:        "user-1",
				}, nil)
			},
			expectedStatusCode: http.StatusOK,
			expectNextCalled:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockVerifier := new(MockVerifier)
			tt.mockSetup(mockVerifier)

			nextCalled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				info, ok := middleware.GetAuthInfo(r.Context())
				require.True(t, ok, "AuthInfo должен быть в контексте")
				assert.Equal(t, "hw-001", info.DeviceID)
				assert.Equal(t, "user-1", info.UserID)
				w.WriteHeader(http.StatusOK)
			})

			handler := middleware.DeviceAuth(mockVerifier, fixedClock(now))(next)

			req := httptest.NewRequest(http.MethodGet, "/api/content", nil)
			if tt.deviceHeader != "" {
				req.Header.Set(middleware.DeviceIDHeader, tt.deviceHeader)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatusCode, rr.Code)
			assert.Equal(t, tt.expectNextCalled, nextCalled)
			if tt.expectedCode != "" {
				resp := decodeErrorResponse(t, rr)
				assert.Equal(t, tt.expectedCode, resp.Code)
			}
			mockVerifier.AssertExpectations(t)
		})
	}
}

func TestGetAuthInfo(t *testing.T) {
	info := middleware.AuthInfo{DeviceID: "hw-001", UserID: "user-1", IsAdmin: true}

	t.Run("Контекст с данными авторизации", func(t *testing.T) {
		ctx := middleware.WithAuthInfo(context.Background(), info)
		got, ok := middleware.GetAuthInfo(ctx)
		require.True(t, ok)
		assert.Equal(t, info, got)
	})

	t.Run("Пустой контекст", func(t *testing.T) {
		_, ok := middleware.GetAuthInfo(context.Background())
		assert.False(t, ok)
	})

	t.Run("Nil контекст", func(t *testing.T) {
		_, ok := middleware.GetAuthInfo(nil) //nolint:staticcheck // Проверяем устойчивость к nil
		assert.False(t, ok)
	})
}
