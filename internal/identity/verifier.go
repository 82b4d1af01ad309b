package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/mkazancev/apphub/server/internal/models"
)

// Verifier определяет интерфейс проверки устройства во внешнем центре учета.
type Verifier interface {
	Verify(ctx context.Context, hardwareID string) (*models.DeviceIdentity, error)
}

// Таймаут по умолчанию для обращений к центру учета устройств.
const defaultVerifyTimeout = 10 * time.Second

// AuthorityClient реализует Verifier поверх HTTP API центра учета устройств.
type AuthorityClient struct {
	baseURL string
	client  *http.Client
}

var _ Verifier = (*AuthorityClient)(nil)

// NewAuthorityClient создает клиент центра учета устройств.
// Нулевой timeout заменяется значением по умолчанию: обращение к центру
// всегда ограничено по времени.
func NewAuthorityClient(baseURL string, timeout time.Duration) *AuthorityClient {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &AuthorityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// verifyResponse — тело успешного ответа центра учета.
type verifyResponse struct {
	Authenticated   bool       `json:"authenticated"`
	UserID          string     `json:"user_id"`
	IsAdmin         bool       `json:"is_admin"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
}

// Verify запрашивает у центра учета состояние устройства по аппаратному ID.
// Статусы ответа транслируются детерминированно: 404 — устройство не
// зарегистрировано, 403 — устройство неактивно, 409 — неоднозначное состояние
// (трактуется как запрет), прочие неуспешные статусы и транспортные сбои —
// центр недоступен. Недоступность центра никогда не выдается за отказ в
// авторизации: клиент должен повторить запрос, а не считать отказ постоянным.
func (c *AuthorityClient) Verify(ctx context.Context, hardwareID string) (*models.DeviceIdentity, error) {
	reqURL := fmt.Sprintf("%s/api/devices/verify?hardware_id=%s", c.baseURL, url.QueryEscape(hardwareID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса к центру учета: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("[Identity] Транспортная ошибка при проверке устройства '%s': %v", hardwareID, err)
		return nil, fmt.Errorf("%w: %w", ErrAuthorityUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[Identity] Ошибка закрытия тела ответа центра учета: %v", closeErr)
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		// Разбираем ниже
	case http.StatusNotFound:
		log.Printf("[Identity] Устройство '%s' не зарегистрировано в центре учета", hardwareID)
		return nil, ErrDeviceNotRegistered
	case http.StatusForbidden:
		log.Printf("[Identity] Устройство '%s' неактивно или заблокировано", hardwareID)
		return nil, ErrDeviceInactive
	case http.StatusConflict:
		log.Printf("[Identity] Неоднозначное состояние устройства '%s' в центре учета", hardwareID)
		return nil, ErrDeviceAmbiguous
	default:
		log.Printf("[Identity] Центр учета вернул статус %d для устройства '%s'", resp.StatusCode, hardwareID)
		return nil, fmt.Errorf("%w: статус %d", ErrAuthorityUnavailable, resp.StatusCode)
	}

	var body verifyResponse
	if err = json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("[Identity] Ошибка декодирования ответа центра учета для '%s': %v", hardwareID, err)
		return nil, fmt.Errorf("%w: некорректное тело ответа: %w", ErrAuthorityUnavailable, err)
	}

	log.Printf("[Identity] Устройство '%s' проверено (authenticated=%v, admin=%v)",
		hardwareID, body.Authenticated, body.IsAdmin)
	return &models.DeviceIdentity{
		Authenticated:   body.Authenticated,
		HardwareID:      hardwareID,
		UserID:          body.UserID,
		IsAdmin:         body.IsAdmin,
		SubscriptionEnd: body.SubscriptionEnd,
	}, nil
}

// Кастомные ошибки проверки устройства.
var (
	ErrDeviceNotRegistered  = errors.New("устройство не зарегистрировано")
	ErrDeviceInactive       = errors.New("устройство неактивно")
	ErrDeviceAmbiguous      = errors.New("неоднозначное состояние устройства")
	ErrAuthorityUnavailable = errors.New("центр учета устройств недоступен")
)
