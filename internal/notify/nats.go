package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailcal/internal/models"
	"mailcal/internal/reconcile"

	"github.com/nats-io/nats.go"
)

const (
	streamName     = "MAILCAL"
	subjectPrefix  = "mailcal.occurrences."
	failureSubject = "mailcal.messages.failed"
)

// jetStream is the part of nats.JetStreamContext the notifier uses
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// OccurrenceEvent is published once per reconciled candidate
type OccurrenceEvent struct {
	MessageID  string              `json:"message_id"`
	Outcome    string              `json:"outcome"`
	Occurrence models.Occurrence   `json:"occurrence"`
	Removed    []models.Occurrence `json:"removed,omitempty"`
}

// FailureEvent is published when a message or cycle fails
type FailureEvent struct {
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// NATSNotifier publishes timeline changes to JetStream
type NATSNotifier struct {
	nc  *nats.Conn
	js  jetStream
	now func() time.Time
}

// NewNATSNotifier connects to url and makes sure the stream exists
func NewNATSNotifier(url string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("mailcal"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if err := ensureStream(js); err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSNotifier{nc: nc, js: js, now: time.Now}, nil
}

func ensureStream(js nats.JetStreamContext) error {
	if info, err := js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mailcal.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// NotifySuccess publishes one event per result on mailcal.occurrences.<outcome>.
// The message id makes redelivery of the same message a duplicate JetStream drops.
func (n *NATSNotifier) NotifySuccess(_ context.Context, msg models.Message, results []reconcile.Result) error {
	var errs []error
	for _, r := range results {
		payload, err := json.Marshal(OccurrenceEvent{
			MessageID:  msg.ID,
			Outcome:    string(r.Outcome),
			Occurrence: r.Occurrence,
			Removed:    r.Removed,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		dedupID := msg.ID + ":" + string(r.Outcome) + ":" + r.Occurrence.UID
		if _, err := n.js.Publish(subjectPrefix+string(r.Outcome), payload, nats.MsgId(dedupID)); err != nil {
			errs = append(errs, fmt.Errorf("failed to publish message: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (n *NATSNotifier) NotifyFailure(_ context.Context, msg *models.Message, reason error) error {
	ev := FailureEvent{At: n.now().UTC()}
	if reason != nil {
		ev.Error = reason.Error()
	}
	if msg != nil {
		ev.MessageID = msg.ID
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	dedupID := fmt.Sprintf("%s:failed:%d", ev.MessageID, ev.At.Unix())
	if _, err := n.js.Publish(failureSubject, payload, nats.MsgId(dedupID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (n *NATSNotifier) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}
