package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"metecho/internal/config"
	"metecho/internal/domain"
	"metecho/internal/logging"
	"metecho/internal/repo"
)

// SignatureHeader carries the HMAC-SHA256 of the delivery body keyed with the
// subscriber secret, in the same sha256=<hex> form GitHub uses.
const SignatureHeader = "X-Metecho-Signature-256"

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDeliveryTimeout  = 5 * time.Second
	defaultDispatchBatch    = 100
)

// Dispatcher polls the event log and posts new events to every enabled
// subscriber. Each subscriber keeps its own cursor; a failed delivery stops
// that subscriber's batch so the event is retried on the next tick.
type Dispatcher struct {
	Repo        repo.Repo
	Subscribers []config.SubscriberConfig
	Client      *http.Client
	Interval    time.Duration
	Log         *zap.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(r repo.Repo, subs []config.SubscriberConfig, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Repo:        r,
		Subscribers: subs,
		Client:      &http.Client{Timeout: defaultDeliveryTimeout},
		Interval:    defaultDispatchInterval,
		Log:         logging.OrNop(log),
		cursors:     make(map[int]int64),
	}
}

// Run dispatches until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Subscribers) == 0 {
		<-ctx.Done()
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs a single delivery round over all subscribers.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, sub := range d.Subscribers {
		if sub.Enabled != nil && !*sub.Enabled {
			continue
		}
		if strings.TrimSpace(sub.URL) == "" {
			continue
		}
		d.dispatch(ctx, i, sub)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, sub config.SubscriberConfig) {
	log := logging.OrNop(d.Log).With(zap.String("subscriber", sub.URL))
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.Repo.EventsAfter(ctx, defaultDispatchBatch, cursor, "")
	if err != nil {
		log.Error("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(sub.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.post(ctx, sub, evt); err != nil {
			log.Warn("deliver event failed", zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	// New subscribers only see events from now on.
	cur, err := d.Repo.LatestEventID(ctx, "")
	if err != nil {
		logging.OrNop(d.Log).Error("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type deliveryBody struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	UserID     string          `json:"originating_user_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) post(ctx context.Context, sub config.SubscriberConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(deliveryBody{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		UserID:     evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultDeliveryTimeout}
	}
	if sub.TimeoutSeconds > 0 {
		if timeout := time.Duration(sub.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Metecho-Event", evt.Type)
	req.Header.Set("X-Metecho-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ProjectID != "" {
		req.Header.Set("X-Metecho-Project", evt.ProjectID)
	}
	if strings.TrimSpace(sub.Secret) != "" {
		req.Header.Set(SignatureHeader, signBody(sub.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
