package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jobforge/internal/config"
	"jobforge/internal/domain"
	"jobforge/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// startWebhookDispatcher launches one delivery worker per configured hook.
// Each worker tails the catalog event log from the position it started at;
// delivery stops advancing past a failed event so nothing is skipped.
func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || strings.TrimSpace(e.Config.Catalog.ID) == "" {
		return
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		go deliverLoop(e, e.Config.Catalog.ID, hook)
	}
}

func deliverLoop(e engine.Engine, catalogID string, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor, err := e.Repo.LatestEventID(ctx, catalogID)
	if err != nil {
		log.Printf("webhook %s: init cursor: %v", hook.URL, err)
	}
	timeout := webhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := &http.Client{Timeout: timeout}
	accept := acceptedTypes(hook.Events)

	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		events, err := e.Repo.EventsAfter(ctx, webhookBatchSize, cursor, catalogID)
		if err != nil {
			log.Printf("webhook %s: fetch events: %v", hook.URL, err)
			<-ticker.C
			continue
		}
		for _, evt := range events {
			if accept != nil {
				if _, ok := accept[evt.Type]; !ok {
					cursor = evt.ID
					continue
				}
			}
			if err := deliver(ctx, client, catalogID, hook, evt); err != nil {
				log.Printf("webhook %s: event %d: %v", hook.URL, evt.ID, err)
				break
			}
			cursor = evt.ID
		}
		<-ticker.C
	}
}

// acceptedTypes returns nil when the hook subscribes to everything.
func acceptedTypes(events []string) map[string]struct{} {
	var set map[string]struct{}
	for _, evt := range events {
		evt = strings.TrimSpace(evt)
		if evt == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{})
		}
		set[evt] = struct{}{}
	}
	return set
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	CatalogID  string          `json:"catalog_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func deliver(ctx context.Context, client *http.Client, catalogID string, hook config.WebhookConfig, evt domain.Event) error {
	out := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		CatalogID:  evt.CatalogID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			out.Payload = json.RawMessage(evt.Payload)
		} else {
			out.PayloadRaw = evt.Payload
		}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jobforge-Event", evt.Type)
	req.Header.Set("X-Jobforge-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Jobforge-Catalog", catalogID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Jobforge-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &deliveryError{status: res.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	return nil
}

type deliveryError struct {
	status int
	body   string
}

func (e *deliveryError) Error() string {
	if e.body == "" {
		return "status " + strconv.Itoa(e.status)
	}
	return "status " + strconv.Itoa(e.status) + ": " + e.body
}
