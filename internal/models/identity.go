package models

import "time"

// DeviceIdentity — снимок состояния устройства, полученный от внешнего центра
// учета устройств на момент запроса. Локальная копия не является авторитетной.
type DeviceIdentity struct {
	Authenticated   bool       `json:"authenticated"`
	HardwareID      string     `json:"hardware_id"`
	UserID          string     `json:"user_id"`
	IsAdmin         bool       `json:"is_admin"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
}
