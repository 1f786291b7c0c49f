// Package alert fans operator notifications out to external channels.
package alert

import (
	"context"
	"sync"
	"time"

	"trading_bot/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a single alert to one destination
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alerts out to all registered channels. It implements
// core.INotifier: Notify is fire-and-forget, NotifyCritical blocks until
// every channel has been attempted so emergency alerts are not lost to
// process shutdown.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify sends an informational alert without blocking the caller
func (m *Manager) Notify(ctx context.Context, title, message string, fields map[string]string) {
	m.dispatch(ctx, Payload{
		Level:     Info,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}, false)
}

// NotifyCritical sends a critical alert and waits for delivery attempts
func (m *Manager) NotifyCritical(ctx context.Context, title, message string, fields map[string]string) {
	m.dispatch(ctx, Payload{
		Level:     Critical,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}, true)
}

// Warn sends a warning-level alert without blocking the caller
func (m *Manager) Warn(ctx context.Context, title, message string, fields map[string]string) {
	m.dispatch(ctx, Payload{
		Level:     Warning,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}, false)
}

func (m *Manager) dispatch(ctx context.Context, payload Payload, wait bool) {
	m.logger.Info("Triggering alert", "title", payload.Title, "level", payload.Level)

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			// Channels get their own timeout so one slow webhook cannot
			// stall the others.
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}

	if wait {
		wg.Wait()
	}
}
