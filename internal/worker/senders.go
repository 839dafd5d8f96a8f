package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/provider"
	"github.com/lalithlochan/beacon/internal/sns"
	"github.com/lalithlochan/beacon/internal/template"
)

// Delivery is one rendered notification ready for its channel.
type Delivery struct {
	JobID          string
	Request        *notify.Request
	Content        *template.Content
	IdempotencyKey string
}

// Receipt is what a channel reports back for an accepted delivery.
type Receipt struct {
	Provider  string
	MessageID string
	Duplicate bool
}

// Sender is the unified interface for all delivery channels.
// Failures are *provider.Error values so the dispatcher can tell
// transient from permanent.
type Sender interface {
	Send(ctx context.Context, d *Delivery) (*Receipt, error)
	SupportsChannel(channel notify.Channel) bool
}

// MultiSender routes a delivery to the sender of its channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the delivery to the appropriate sender based on channel
func (m *MultiSender) Send(ctx context.Context, d *Delivery) (*Receipt, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(d.Request.Channel) {
			m.logger.Debug("routing delivery to sender",
				zap.String("channel", string(d.Request.Channel)),
				zap.String("job_id", d.JobID),
			)
			return sender.Send(ctx, d)
		}
	}

	return nil, provider.Permanent("router", "unsupported_channel",
		fmt.Errorf("no sender found for channel: %s", d.Request.Channel))
}

func (m *MultiSender) SupportsChannel(channel notify.Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// EmailSender hands rendered email to an EmailProvider.
type EmailSender struct {
	provider provider.EmailProvider
}

func NewEmailSender(p provider.EmailProvider) *EmailSender {
	return &EmailSender{provider: p}
}

func (s *EmailSender) Send(ctx context.Context, d *Delivery) (*Receipt, error) {
	res, err := s.provider.Send(ctx, &provider.Message{
		To:             d.Request.Recipient,
		Subject:        d.Content.Subject,
		HTML:           d.Content.HTML,
		Text:           d.Content.Text,
		Tag:            string(d.Request.Type),
		IdempotencyKey: d.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &Receipt{Provider: res.Provider, MessageID: res.ProviderMessageID, Duplicate: res.Duplicate}, nil
}

func (s *EmailSender) SupportsChannel(channel notify.Channel) bool {
	return channel == notify.ChannelEmail
}

// PushPublisher delivers to a mobile platform endpoint.
type PushPublisher interface {
	Publish(ctx context.Context, endpointARN string, msg sns.Message) (string, error)
}

// PushSender sends push notifications through SNS. Recipient is the
// device's platform endpoint ARN.
type PushSender struct {
	publisher PushPublisher
	logger    *zap.Logger
}

func NewPushSender(publisher PushPublisher, logger *zap.Logger) *PushSender {
	return &PushSender{publisher: publisher, logger: logger}
}

func (s *PushSender) Send(ctx context.Context, d *Delivery) (*Receipt, error) {
	id, err := s.publisher.Publish(ctx, d.Request.Recipient, sns.Message{
		NotificationID: d.Request.ID.String(),
		Type:           string(d.Request.Type),
		Title:          d.Content.Subject,
		Body:           d.Content.Text,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("push sent via SNS",
		zap.String("job_id", d.JobID),
		zap.String("message_id", id),
	)
	return &Receipt{Provider: "sns", MessageID: id}, nil
}

func (s *PushSender) SupportsChannel(channel notify.Channel) bool {
	return channel == notify.ChannelPush
}

// InAppPublisher pushes a message to a user's open sessions.
type InAppPublisher interface {
	Publish(ctx context.Context, userID string, message []byte) (int64, error)
}

// InAppSender delivers over Redis pub/sub. A user with no open session
// simply misses the live message; that is still a successful send.
type InAppSender struct {
	publisher InAppPublisher
	logger    *zap.Logger
}

func NewInAppSender(publisher InAppPublisher, logger *zap.Logger) *InAppSender {
	return &InAppSender{publisher: publisher, logger: logger}
}

// InAppMessage is the JSON document subscribers receive.
type InAppMessage struct {
	ID        string         `json:"id"`
	Type      notify.Type    `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *InAppSender) Send(ctx context.Context, d *Delivery) (*Receipt, error) {
	body, err := json.Marshal(InAppMessage{
		ID:        d.Request.ID.String(),
		Type:      d.Request.Type,
		Title:     d.Content.Subject,
		Body:      d.Content.Text,
		Data:      d.Request.Payload,
		CreatedAt: d.Request.CreatedAt,
	})
	if err != nil {
		return nil, provider.Permanent("redis", "invalid_message", err)
	}

	receivers, err := s.publisher.Publish(ctx, d.Request.UserID.String(), body)
	if err != nil {
		return nil, provider.Transient("redis", "", err)
	}

	s.logger.Debug("in-app notification delivered",
		zap.String("job_id", d.JobID),
		zap.Int64("receivers", receivers),
	)
	return &Receipt{Provider: "redis", MessageID: d.Request.ID.String()}, nil
}

func (s *InAppSender) SupportsChannel(channel notify.Channel) bool {
	return channel == notify.ChannelInApp
}
