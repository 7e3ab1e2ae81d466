package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"
)

// Publisher drains the ledger's notification channel and publishes each
// event to NATS for downstream consumers.
// Subjects follow the pattern: vault.ledger.events.{event_type}
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan event.Event
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// envelope is the wire form of a notification.
type envelope struct {
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan event.Event, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run consumes notifications until the input channel is closed, which lets a
// caller drain buffered events during shutdown by closing the channel once
// all emitters have stopped. ctx bounds the individual publishes only; it
// does not terminate the loop.
func (p *Publisher) Run(ctx context.Context) error {
	for ev := range p.inputChan {
		if err := p.publish(ctx, ev); err != nil {
			// Non-fatal: the ledger state is already committed.
			if p.metrics != nil {
				p.metrics.NotifyErrors.Inc()
			}
			p.log.Warn().
				Err(err).
				Str("event", ev.EventType().String()).
				Msg("notification publish failed")
			continue
		}
		if p.metrics != nil {
			p.metrics.NotifyPublished.Inc()
		}
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, ev event.Event) error {
	env := envelope{
		EventType: ev.EventType().String(),
		Payload:   ev,
		Timestamp: ev.EventTime(),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("vault.ledger.events.%s", subjectToken(ev.EventType()))
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// subjectToken lowercases the type name for use as a subject segment.
func subjectToken(t event.Type) string {
	return strings.ToLower(t.String())
}

// EnsureEventStream creates the outbound notification stream.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VAULT_LEDGER_EVENTS",
		Subjects:  []string{"vault.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}

// ConnectNATS dials the server with unbounded reconnects.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
