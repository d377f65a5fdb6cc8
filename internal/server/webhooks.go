package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"annexe/internal/config"
	"annexe/internal/domain"
	"annexe/internal/engine"
)

const (
	webhookPollInterval  = 2 * time.Second
	webhookRetryInterval = 500 * time.Millisecond
	webhookTimeout       = 5 * time.Second
	webhookBatch         = 100
	webhookMaxTries      = 3
)

// webhookTarget is one configured receiver and how far it has been fed.
type webhookTarget struct {
	cfg    config.WebhookConfig
	filter eventFilter
	client *http.Client
	cursor int64
	primed bool
}

// webhookDispatcher polls the event log and POSTs new events to every
// enabled receiver. It is driven by a single goroutine.
type webhookDispatcher struct {
	engine        engine.Engine
	targets       []*webhookTarget
	logger        *slog.Logger
	pollInterval  time.Duration
	retryInterval time.Duration
}

func newWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, logger *slog.Logger) *webhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &webhookDispatcher{
		engine:        e,
		logger:        logger.With("component", "webhooks"),
		pollInterval:  webhookPollInterval,
		retryInterval: webhookRetryInterval,
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		d.targets = append(d.targets, &webhookTarget{
			cfg:    hook,
			filter: newEventFilter(hook.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	return d
}

// StartWebhookDispatcher delivers new events to the configured webhooks
// until ctx is cancelled. Delivery starts from the latest event at startup.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, logger *slog.Logger) {
	if e.Config == nil {
		return
	}
	d := newWebhookDispatcher(e, e.Config.Webhooks, logger)
	if len(d.targets) == 0 {
		return
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, target := range d.targets {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, target)
	}
}

// dispatch feeds one target. A receiver that keeps failing holds its cursor
// so the same event is offered again on the next poll; a 4xx answer drops
// the event.
func (d *webhookDispatcher) dispatch(ctx context.Context, target *webhookTarget) {
	if !target.primed {
		latest, err := d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			d.logger.Error("init webhook cursor", "url", target.cfg.URL, "err", err)
			return
		}
		target.cursor, target.primed = latest, true
	}
	events, err := d.engine.Repo.EventsAfter(ctx, webhookBatch, target.cursor)
	if err != nil {
		d.logger.Error("fetch events", "err", err)
		return
	}
	for _, evt := range events {
		if target.filter.match(evt.Type) {
			if err := d.deliver(ctx, target, evt); err != nil {
				var rejected *rejectedError
				if !errors.As(err, &rejected) {
					d.logger.Warn("webhook delivery failed", "url", target.cfg.URL, "event_id", evt.ID, "err", err)
					return
				}
				d.logger.Warn("webhook rejected event", "url", target.cfg.URL, "event_id", evt.ID, "status", rejected.status)
			}
		}
		target.cursor = evt.ID
	}
}

// rejectedError is a 4xx answer; the event is not offered again.
type rejectedError struct {
	status int
	body   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("rejected with status %d: %s", e.status, e.body)
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// signPayload is the X-Annexe-Signature value for body under secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *webhookDispatcher) deliver(ctx context.Context, target *webhookTarget, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	deliveryID := uuid.NewString()
	secret := strings.TrimSpace(target.cfg.Secret)

	tries := uint(webhookMaxTries)
	if target.cfg.MaxTries > 0 {
		tries = uint(target.cfg.MaxTries)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Annexe-Event", evt.Type)
		req.Header.Set("X-Annexe-Event-Id", strconv.FormatInt(evt.ID, 10))
		req.Header.Set("X-Annexe-Delivery", deliveryID)
		if secret != "" {
			req.Header.Set("X-Annexe-Signature", signPayload(secret, body))
		}
		res, err := target.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return struct{}{}, nil
		}
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(&rejectedError{status: res.StatusCode, body: strings.TrimSpace(string(msg))})
		}
		return struct{}{}, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(tries))
	return err
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
