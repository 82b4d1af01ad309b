package storage

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

// HealthStatus — трехзначный сигнал доступности объектного хранилища.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// Пороги перехода по числу подряд неудачных проверок.
const (
	degradedThreshold    = 2
	unavailableThreshold = 5
)

// prober — минимальный срез FileStorage, нужный монитору.
type prober interface {
	Stat(ctx context.Context, objectKey string) (ObjectInfo, error)
}

// HealthMonitor периодически проверяет доступность хранилища в фоне и
// публикует сигнал healthy/degraded/unavailable. Обработчики запросов читают
// сигнал без блокировки; сбой проверки никогда не задерживает запрос.
type HealthMonitor struct {
	storage      prober
	interval     time.Duration
	probeTimeout time.Duration
	status       atomic.Value // HealthStatus
	failures     int
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewHealthMonitor создает монитор доступности хранилища.
func NewHealthMonitor(storage prober, interval, probeTimeout time.Duration) *HealthMonitor {
	m := &HealthMonitor{
		storage:      storage,
		interval:     interval,
		probeTimeout: probeTimeout,
		done:         make(chan struct{}),
	}
	// До первой проверки считаем хранилище доступным
	m.status.Store(HealthHealthy)
	return m
}

// Start запускает фоновую проверку. Повторный вызов не поддерживается.
func (m *HealthMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		// Первая проверка сразу, не дожидаясь первого тика: лежащее на
		// старте хранилище не должно до истечения интервала считаться живым
		m.probe(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()

	log.Printf("[StorageHealth] Фоновая проверка хранилища запущена (интервал %s)", m.interval)
}

// Stop останавливает фоновую проверку и дожидается завершения горутины.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Status возвращает текущий сигнал доступности без блокировки.
func (m *HealthMonitor) Status() HealthStatus {
	status, ok := m.status.Load().(HealthStatus)
	if !ok {
		return HealthHealthy
	}
	return status
}

// probe выполняет одну проверку: Stat заведомо отсутствующего ключа.
// Ответ NoSuchKey означает, что хранилище живо и отвечает по существу.
func (m *HealthMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	_, err := m.storage.Stat(probeCtx, ".health-probe")
	if err == nil || errors.Is(err, ErrObjectNotFound) {
		if m.failures > 0 {
			log.Printf("[StorageHealth] Хранилище снова доступно после %d неудачных проверок", m.failures)
		}
		m.failures = 0
		m.status.Store(HealthHealthy)
		return
	}

	m.failures++
	switch {
	case m.failures >= unavailableThreshold:
		m.status.Store(HealthUnavailable)
	case m.failures >= degradedThreshold:
		m.status.Store(HealthDegraded)
	}
	log.Printf("[StorageHealth] Проверка хранилища не удалась (%d подряд): %v", m.failures, err)
}
