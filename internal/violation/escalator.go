// Package violation persists compliance violations and escalates the
// severe ones to alert channels.
package violation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/docstore"
	"github.com/carewell/compliance-core/pkg/logger"
)

// AlertChannel delivers a violation alert
type AlertChannel interface {
	SendAlert(violation *compliance.ComplianceViolation) error
	ChannelType() string
}

// Escalator records violations and triggers alerting for high and critical
// severities. Record never fails the caller: a reporting failure must not
// block the primary access decision.
type Escalator struct {
	store    docstore.Store
	logger   *logger.Logger
	channels []AlertChannel
}

// NewEscalator creates a violation escalator with the given alert channels
func NewEscalator(store docstore.Store, log *logger.Logger, channels ...AlertChannel) *Escalator {
	return &Escalator{
		store:    store,
		logger:   log,
		channels: channels,
	}
}

// Record persists the violation and, for high/critical severity, sends it
// to every alert channel. All failures are logged and swallowed.
func (e *Escalator) Record(ctx context.Context, violation *compliance.ComplianceViolation) {
	if violation.ID == "" {
		violation.ID = uuid.New().String()
	}
	if violation.Timestamp.IsZero() {
		violation.Timestamp = time.Now().UTC()
	}

	doc, err := docstore.Marshal(violation)
	if err != nil {
		e.logger.WithComponent("violation").WithError(err).Error("Failed to encode violation")
		return
	}

	if err := e.store.Put(ctx, compliance.CollectionViolations, violation.ID, doc); err != nil {
		e.logger.WithComponent("violation").WithError(err).WithFields(map[string]interface{}{
			"violation_id": violation.ID,
			"type":         violation.Type,
		}).Error("Failed to persist violation")
	}

	if violation.Severity.Rank() < compliance.SensitivityHigh.Rank() {
		return
	}

	for _, channel := range e.channels {
		if err := channel.SendAlert(violation); err != nil {
			e.logger.WithComponent("violation").WithError(err).WithField(
				"channel", channel.ChannelType(),
			).Warn("Failed to send violation alert")
		}
	}

	e.logger.Security("violation_escalated", violation.ActorID, map[string]interface{}{
		"violation_id": violation.ID,
		"type":         violation.Type,
		"severity":     violation.Severity,
		"patient_id":   violation.PatientID,
	})
}

// LogChannel writes alerts to the application log
type LogChannel struct {
	logger *logger.Logger
}

// NewLogChannel creates a log-backed alert channel
func NewLogChannel(log *logger.Logger) *LogChannel {
	return &LogChannel{logger: log}
}

// SendAlert logs the alert
func (c *LogChannel) SendAlert(violation *compliance.ComplianceViolation) error {
	c.logger.WithFields(map[string]interface{}{
		"alert":        true,
		"violation_id": violation.ID,
		"type":         violation.Type,
		"severity":     violation.Severity,
		"actor_id":     violation.ActorID,
		"patient_id":   violation.PatientID,
		"description":  violation.Description,
	}).Warn("Compliance violation alert")
	return nil
}

// ChannelType identifies the channel
func (c *LogChannel) ChannelType() string { return "log" }

// WebhookChannel posts alerts to an HTTP endpoint
type WebhookChannel struct {
	url        string
	retryCount int
	httpClient *http.Client
}

// NewWebhookChannel creates a webhook-backed alert channel
func NewWebhookChannel(url string, timeout time.Duration, retryCount int) *WebhookChannel {
	return &WebhookChannel{
		url:        url,
		retryCount: retryCount,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SendAlert posts the violation as JSON, retrying transient failures
func (c *WebhookChannel) SendAlert(violation *compliance.ComplianceViolation) error {
	payload, err := json.Marshal(violation)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		resp, err := c.httpClient.Post(c.url, "application/json", bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return fmt.Errorf("failed to deliver alert after %d attempts: %w", c.retryCount+1, lastErr)
}

// ChannelType identifies the channel
func (c *WebhookChannel) ChannelType() string { return "webhook" }
