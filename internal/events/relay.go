package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"repairline/internal/domain"
)

const (
	DefaultInterval       = 2 * time.Second
	DefaultWebhookTimeout = 5 * time.Second
	defaultBatch          = 100
)

// Source is the projection event log the relay reads from.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	Cursor(ctx context.Context, name string) (int64, bool, error)
	SetCursor(ctx context.Context, name string, id int64) error
}

// Publisher delivers one event to an outside sink.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, evt Message) error
}

// Message is the wire form of a relayed event.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func NewMessage(evt domain.Event) Message {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return Message{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
}

// Sink pairs a publisher with the event types it wants.
type Sink struct {
	Publisher Publisher
	Filter    Filter
}

// Relay forwards projection events to sinks, keeping one persisted cursor per sink.
// A sink that fails stops at the failing event and retries it on the next tick.
type Relay struct {
	Source   Source
	Sinks    []Sink
	Interval time.Duration
	Batch    int
	Logger   *log.Logger
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick dispatches pending events to every sink once.
func (r *Relay) Tick(ctx context.Context) {
	for _, sink := range r.Sinks {
		if err := r.dispatch(ctx, sink); err != nil {
			r.logger().Printf("%s: %v", sink.Publisher.Name(), err)
		}
	}
}

func (r *Relay) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}

func (r *Relay) dispatch(ctx context.Context, sink Sink) error {
	name := sink.Publisher.Name()
	cursor, ok, err := r.Source.Cursor(ctx, name)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if !ok {
		// new sinks start at the head of the log
		if cursor, err = r.Source.LatestEventID(ctx); err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		if err := r.Source.SetCursor(ctx, name, cursor); err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	evts, err := r.Source.EventsAfter(ctx, batch, cursor)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	for _, evt := range evts {
		if sink.Filter.Match(evt.Type) {
			if err := sink.Publisher.Publish(ctx, NewMessage(evt)); err != nil {
				return fmt.Errorf("deliver event %d: %w", evt.ID, err)
			}
		}
		if err := r.Source.SetCursor(ctx, name, evt.ID); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}

type Filter struct {
	all bool
	set map[string]struct{}
}

// NewFilter matches the listed event types, or everything when the list is empty.
func NewFilter(events []string) Filter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return Filter{all: true}
	}
	return Filter{set: set}
}

func (f Filter) Match(evt string) bool {
	if f.all || f.set == nil {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// RabbitPublisher publishes events to a topic exchange, routed by event type.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Name() string { return "rabbitmq:" + p.exchange }

func (p *RabbitPublisher) Publish(ctx context.Context, evt Message) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, evt.Type, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    fmt.Sprintf("%d", evt.ID),
		Type:         evt.Type,
		Body:         body,
	})
}

func (p *RabbitPublisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.channel.Close(); err != nil {
		log.Printf("relay: close channel: %v", err)
	}
	return p.conn.Close()
}

// WebhookPublisher POSTs events as JSON. When Secret is set the body is
// signed with HMAC-SHA256 in X-Repairline-Signature.
type WebhookPublisher struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

func (p *WebhookPublisher) Name() string { return "webhook:" + p.URL }

func (p *WebhookPublisher) Publish(ctx context.Context, evt Message) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = DefaultWebhookTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Repairline-Event", evt.Type)
	req.Header.Set("X-Repairline-Delivery", fmt.Sprintf("%d", evt.ID))
	if secret := strings.TrimSpace(p.Secret); secret != "" {
		req.Header.Set("X-Repairline-Signature", "sha256="+Sign(secret, data))
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

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// LogPublisher writes events to a logger; used when no broker is configured.
type LogPublisher struct {
	Logger *log.Logger
}

func (p LogPublisher) Name() string { return "log" }

func (p LogPublisher) Publish(_ context.Context, evt Message) error {
	l := p.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf("event %d %s %s/%s by %s", evt.ID, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID)
	return nil
}
