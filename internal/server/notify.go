package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"agritrace/internal/config"
	"agritrace/internal/domain"
	"agritrace/internal/engine"
)

const (
	defaultSinkInterval = 2 * time.Second
	defaultSinkTimeout  = 5 * time.Second
	defaultSinkBatch    = 100
)

// sinkDispatcher delivers audit events to configured notification sinks.
// Each sink keeps its own cursor, so delivery is at-least-once per sink and
// ordered by event ID. A delivery that exhausts its retry budget is parked
// in the operator queue and the sink's cursor moves on.
type sinkDispatcher struct {
	engine  *engine.Engine
	sinks   []config.SinkConfig
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func startSinkDispatcher(e *engine.Engine) {
	if e.Config == nil || len(e.Config.Sinks) == 0 {
		return
	}
	d := &sinkDispatcher{
		engine:  e,
		sinks:   e.Config.Sinks,
		client:  &http.Client{Timeout: defaultSinkTimeout},
		cursors: make(map[int]int64),
	}
	go d.run()
}

func (d *sinkDispatcher) run() {
	ticker := time.NewTicker(defaultSinkInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *sinkDispatcher) dispatchAll() {
	for i, sink := range d.sinks {
		if sink.Enabled != nil && !*sink.Enabled {
			continue
		}
		if strings.TrimSpace(sink.URL) == "" {
			continue
		}
		d.dispatchSink(i, sink)
	}
}

func (d *sinkDispatcher) dispatchSink(idx int, sink config.SinkConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultSinkBatch, cursor)
	if err != nil {
		log.Printf("sink: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(sink.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		err := d.engine.Retry(ctx, "notification sink "+sink.URL, func() error {
			return d.postEvent(ctx, sink, evt)
		})
		if err != nil {
			log.Printf("sink: deliver event %d to %s failed: %v", evt.ID, sink.URL, err)
			reason := fmt.Sprintf("event %d undeliverable to %s: %v", evt.ID, sink.URL, err)
			if perr := d.engine.ParkRetryExhausted(ctx, "event", fmt.Sprintf("%d", evt.ID), reason); perr != nil {
				log.Printf("sink: park failed: %v", perr)
				return
			}
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *sinkDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("sink: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *sinkDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type sinkEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *sinkDispatcher) postEvent(ctx context.Context, sink config.SinkConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := sinkEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultSinkTimeout
	if sink.TimeoutSeconds > 0 {
		timeout = time.Duration(sink.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agritrace-Event", evt.Type)
	req.Header.Set("X-Agritrace-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(sink.Secret) != "" {
		req.Header.Set("X-Agritrace-Secret", sink.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
