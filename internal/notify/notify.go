// Package notify turns forecast-core events into outbound notifications.
// Kinds are a closed set; each kind has one handler fixed at construction.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"metaculus/internal/metrics"
)

type Kind string

const (
	KindOptionsAdded     Kind = "options_added"
	KindOptionsDeleted   Kind = "options_deleted"
	KindForecastExpiring Kind = "forecast_expiring"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOptionsAdded, KindOptionsDeleted, KindForecastExpiring:
		return true
	}
	return false
}

// Event is the payload persisted with a notification task.
type Event struct {
	Kind       Kind      `json:"kind"`
	QuestionID uint64    `json:"question_id"`
	Labels     []string  `json:"labels,omitempty"`
	ActorID    uint64    `json:"actor_id,omitempty"`
	At         time.Time `json:"at"`
	// GraceEnd is set for options_added.
	GraceEnd *time.Time `json:"grace_end,omitempty"`
	// ForecasterID and EndTime are set for forecast_expiring.
	ForecasterID uint64     `json:"forecaster_id,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
}

// Message is what a Sender delivers.
type Message struct {
	Kind       Kind           `json:"kind"`
	QuestionID uint64         `json:"question_id"`
	Recipients []uint64       `json:"recipients,omitempty"`
	Subject    string         `json:"subject"`
	Data       map[string]any `json:"data"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// RecipientLookup resolves who should hear about an event on a question.
type RecipientLookup interface {
	Forecasters(ctx context.Context, questionID uint64) ([]uint64, error)
}

type Handler func(ctx context.Context, ev Event) (Message, error)

type Dispatcher struct {
	sender   Sender
	logger   *zap.Logger
	handlers map[Kind]Handler
}

func NewDispatcher(sender Sender, recipients RecipientLookup, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	return &Dispatcher{
		sender: sender,
		logger: logger,
		handlers: map[Kind]Handler{
			KindOptionsAdded:     optionsChanged(recipients, "New options were added"),
			KindOptionsDeleted:   optionsChanged(recipients, "Options were removed"),
			KindForecastExpiring: forecastExpiring,
		},
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	h, ok := d.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("notify: unknown kind %q", ev.Kind)
	}
	msg, err := h(ctx, ev)
	if err != nil {
		metrics.RecordNotification(string(ev.Kind), "error")
		return err
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		metrics.RecordNotification(string(ev.Kind), "error")
		return fmt.Errorf("notify %s question %d: %w", ev.Kind, ev.QuestionID, err)
	}
	metrics.RecordNotification(string(ev.Kind), "sent")
	return nil
}

func optionsChanged(recipients RecipientLookup, subject string) Handler {
	return func(ctx context.Context, ev Event) (Message, error) {
		var to []uint64
		if recipients != nil {
			ids, err := recipients.Forecasters(ctx, ev.QuestionID)
			if err != nil {
				return Message{}, err
			}
			to = ids
		}
		data := map[string]any{
			"labels":   ev.Labels,
			"actor_id": ev.ActorID,
			"at":       ev.At,
		}
		if ev.GraceEnd != nil {
			data["grace_end"] = *ev.GraceEnd
		}
		return Message{
			Kind:       ev.Kind,
			QuestionID: ev.QuestionID,
			Recipients: to,
			Subject:    subject,
			Data:       data,
		}, nil
	}
}

func forecastExpiring(_ context.Context, ev Event) (Message, error) {
	if ev.ForecasterID == 0 {
		return Message{}, fmt.Errorf("notify: forecast_expiring without forecaster")
	}
	data := map[string]any{}
	if ev.EndTime != nil {
		data["end_time"] = *ev.EndTime
	}
	return Message{
		Kind:       ev.Kind,
		QuestionID: ev.QuestionID,
		Recipients: []uint64{ev.ForecasterID},
		Subject:    "Your forecast is about to expire",
		Data:       data,
	}, nil
}

// LogSender writes messages to the log when no delivery endpoint is configured.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info("notification",
		zap.String("kind", string(msg.Kind)),
		zap.Uint64("question_id", msg.QuestionID),
		zap.Int("recipients", len(msg.Recipients)),
		zap.String("subject", msg.Subject),
	)
	return nil
}
