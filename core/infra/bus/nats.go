package bus

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ritualos/ritualos/core/infra/events"
)

// NatsBus is a thin wrapper over a NATS connection that speaks audit
// event envelopes. When JetStream is available, audit subjects are
// published with the event's dedup key as the JetStream message id, so
// redelivered transitions collapse server-side.
type NatsBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	jsEnabled  bool
	ackWait    time.Duration
	deadLetter DeadLetter
}

// DeadLetter receives messages that could not be decoded so they are not
// silently dropped.
type DeadLetter interface {
	AddMessage(ctx context.Context, subject, reason string, payload []byte) error
}

// SetDeadLetter installs a sink for undecodable messages.
func (b *NatsBus) SetDeadLetter(dl DeadLetter) {
	if b != nil {
		b.deadLetter = dl
	}
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 10 * time.Minute
	defaultMaxAge  = 30 * 24 * time.Hour

	streamAudit = "RITUAL_AUDIT"
)

var (
	errNilBus   = errors.New("nats bus not initialized")
	errNilEvent = errors.New("nil event")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("ritualos-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Publish emits one audit event. On JetStream the dedup key becomes the
// message id; duplicate publishes within the stream's duplicate window
// are dropped by the server.
func (b *NatsBus) Publish(ev events.Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if ev == nil {
		return errNilEvent
	}
	env, err := events.Wrap(ev, time.Now())
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	subject := ev.Subject()
	if b.jsEnabled && isAuditSubject(subject) {
		_, err = b.js.Publish(subject, data, nats.MsgId(ev.DedupKey()))
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes envelopes and invokes the
// handler. With JetStream enabled, audit subjects are consumed with explicit
// ack/nak semantics; a RetryableError naks with the requested delay.
func (b *NatsBus) Subscribe(subject, queue string, handler func(*events.Envelope) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errors.New("empty subject")
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isAuditSubject(subject) {
		cb := func(msg *nats.Msg) {
			env, err := events.Unmarshal(msg.Data)
			if err != nil {
				log.Printf("nats bus: failed to unmarshal envelope: %v", err)
				b.sendToDeadLetter(msg.Subject, err, msg.Data)
				_ = msg.Ack()
				return
			}
			if err := handler(env); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				log.Printf("nats bus: handler error (ack): %v", err)
				_ = msg.Ack()
				return
			}
			_ = msg.Ack()
		}

		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(2048),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}

		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		env, err := events.Unmarshal(msg.Data)
		if err != nil {
			log.Printf("nats bus: failed to unmarshal envelope: %v", err)
			b.sendToDeadLetter(msg.Subject, err, msg.Data)
			return
		}
		if err := handler(env); err != nil {
			log.Printf("nats bus: handler error: %v", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) sendToDeadLetter(subject string, cause error, payload []byte) {
	if b == nil || b.deadLetter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.deadLetter.AddMessage(ctx, subject, cause.Error(), payload); err != nil {
		log.Printf("nats bus: dead letter write failed: %v", err)
	}
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func jetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil {
		return
	}
	if !jetStreamEnabled() {
		return
	}
	ackWait := defaultAckWait
	if v := strings.TrimSpace(os.Getenv(envJSAckWait)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ackWait = d
		}
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		log.Printf("[BUS] jetstream init failed: %v", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		log.Printf("[BUS] jetstream not available: %v", err)
		return
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamAudit,
		Subjects:   []string{events.SubjectAuditAll},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamAudit); infoErr != nil {
			log.Printf("[BUS] jetstream ensure stream failed name=%s: %v", streamAudit, err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	log.Printf("[BUS] jetstream enabled stream=%s ack_wait=%s max_age=%s", streamAudit, ackWait, maxAge)
}

func isAuditSubject(subject string) bool {
	return subject == events.SubjectAuditAll || strings.HasPrefix(subject, "audit.")
}

func durableName(subject, queue string) string {
	name := strings.ReplaceAll(subject, ".", "_")
	name = strings.ReplaceAll(name, "*", "STAR")
	name = strings.ReplaceAll(name, ">", "GT")
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if queue == "" {
		return "dur_" + name
	}
	q := strings.ReplaceAll(queue, ".", "_")
	q = strings.ReplaceAll(q, "*", "STAR")
	q = strings.ReplaceAll(q, ">", "GT")
	q = strings.TrimSpace(q)
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}
