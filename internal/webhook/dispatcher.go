// Package webhook delivers signed job event notifications to registered endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"conveyor/internal/models"
	"conveyor/internal/telemetry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the exact request body.
const SignatureHeader = "X-Webhook-Signature"

// Payload is the wire format POSTed to webhook targets.
type Payload struct {
	Event     string     `json:"event"`
	Job       JobSummary `json:"job"`
	Timestamp string     `json:"timestamp"`
}

// JobSummary is the subset of job fields exposed to webhook consumers.
type JobSummary struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
}

// TargetSource yields the registered webhooks listening on a job's queue.
type TargetSource interface {
	WebhooksForJob(ctx context.Context, job models.Job) ([]models.Webhook, error)
}

// Dispatcher sends event notifications. Delivery is at-most-once and
// best-effort: failures are logged and counted, never surfaced to the
// lifecycle transition that triggered them.
type Dispatcher struct {
	source TargetSource
	client *http.Client
	log    *logrus.Logger
}

// NewDispatcher builds a dispatcher with a bounded HTTP client.
func NewDispatcher(source TargetSource, timeout time.Duration, log *logrus.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		source: source,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Dispatch notifies all targets interested in the given event: the job's own
// webhookUrl (unsigned, on every event) and each active queue webhook whose
// trigger flag matches. Runs synchronously; lifecycle callers put it on a
// goroutine so delivery stays off the transition's critical path.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job, event string) {
	if job.WebhookURL != nil && *job.WebhookURL != "" {
		d.send(ctx, *job.WebhookURL, nil, job, event)
	}

	hooks, err := d.source.WebhooksForJob(ctx, job)
	if err != nil {
		d.log.WithError(err).WithField("job_id", job.ID).Error("load webhooks for job")
		return
	}
	for _, hook := range hooks {
		switch event {
		case models.EventCompleted:
			if !hook.OnComplete {
				continue
			}
		case models.EventFailed:
			if !hook.OnFail {
				continue
			}
		case models.EventRetry:
			if !hook.OnRetry {
				continue
			}
		}
		d.send(ctx, hook.URL, hook.Secret, job, event)
	}
}

func (d *Dispatcher) send(ctx context.Context, url string, secret *string, job models.Job, event string) {
	payload := Payload{
		Event: event,
		Job: JobSummary{
			ID:     job.ID,
			Name:   job.Name,
			Status: job.Status,
			Result: job.Result,
			Error:  job.LastError,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.WithError(err).WithField("job_id", job.ID).Error("marshal webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.deliveryFailed(url, job.ID, event, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != nil && *secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, *secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.deliveryFailed(url, job.ID, event, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.deliveryFailed(url, job.ID, event, fmt.Errorf("unexpected status %d", resp.StatusCode))
		return
	}
	telemetry.WebhooksDelivered.Inc()
}

func (d *Dispatcher) deliveryFailed(url, jobID, event string, err error) {
	telemetry.WebhooksFailed.Inc()
	d.log.WithError(err).WithFields(logrus.Fields{
		"url":    url,
		"job_id": jobID,
		"event":  event,
	}).Error("webhook delivery failed")
}

// Sign computes the hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches Sign(body, secret). Consumers can
// use it to authenticate received payloads.
func Verify(body []byte, secret, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sig)
}
