// Package alert evaluates failure-rate alert rules and throttles notifications
// to at most one per trigger window.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"conveyor/internal/models"
	"conveyor/internal/store"
	"conveyor/internal/telemetry"
)

// Notification is the wire format POSTed to webhook destinations.
type Notification struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Throttler evaluates the owner's active JOB_FAILED rules after a permanent
// job failure.
type Throttler struct {
	store  store.Store
	client *http.Client
	log    *logrus.Logger
	now    func() time.Time
}

// NewThrottler builds a throttler with a bounded HTTP client.
func NewThrottler(st store.Store, timeout time.Duration, log *logrus.Logger) *Throttler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Throttler{
		store:  st,
		client: &http.Client{Timeout: timeout},
		log:    log,
		now:    time.Now,
	}
}

// Evaluate checks every active JOB_FAILED alert owned by userID against the
// failure count for queueID inside the alert's sliding window, and notifies
// the destination at most once per window.
//
// Suppression compares lastSent against the start of the current window, not
// against a fixed cooldown: an alert rearms as soon as lastSent ages out of
// the window being evaluated.
func (t *Throttler) Evaluate(ctx context.Context, userID, queueID string) {
	alerts, err := t.store.ActiveAlerts(ctx, userID, models.AlertTypeJobFailed)
	if err != nil {
		t.log.WithError(err).WithField("user_id", userID).Error("load alerts")
		return
	}

	for _, a := range alerts {
		now := t.now().UTC()
		windowStart := now.Add(-time.Duration(a.WindowMinutes) * time.Minute)

		count, err := t.store.CountFailedSince(ctx, userID, queueID, windowStart)
		if err != nil {
			t.log.WithError(err).WithField("alert_id", a.ID).Error("count failures")
			continue
		}
		if count < int64(a.Threshold) {
			continue
		}
		if a.LastSent != nil && a.LastSent.After(windowStart) {
			continue
		}

		t.notify(ctx, a, count)
		if err := t.store.MarkAlertSent(ctx, a.ID, now); err != nil {
			t.log.WithError(err).WithField("alert_id", a.ID).Error("mark alert sent")
		}
	}
}

func (t *Throttler) notify(ctx context.Context, a models.Alert, count int64) {
	if a.Channel != models.AlertChannelWebhook || a.Destination == "" {
		// Only the webhook channel delivers over HTTP.
		t.log.WithFields(logrus.Fields{
			"alert_id": a.ID,
			"channel":  a.Channel,
		}).Debug("alert channel has no delivery, skipping")
		return
	}

	body, err := json.Marshal(Notification{
		Type:      a.Type,
		Message:   fmt.Sprintf("%d jobs failed in the last %d minutes", count, a.WindowMinutes),
		Timestamp: t.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.log.WithError(err).WithField("alert_id", a.ID).Error("marshal alert notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Destination, bytes.NewReader(body))
	if err != nil {
		t.log.WithError(err).WithField("alert_id", a.ID).Error("build alert request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"alert_id":    a.ID,
			"destination": a.Destination,
		}).Error("alert delivery failed")
		return
	}
	defer resp.Body.Close()
	telemetry.AlertsFired.Inc()
}
