package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log is a development provider that only logs messages.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, Permanent(l.Name(), "invalid_message", err)
	}

	id := "log-" + uuid.NewString()
	l.logger.Info("logging email (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("tag", msg.Tag),
		zap.String("message_id", id),
	)
	return &Result{Provider: l.Name(), ProviderMessageID: id}, nil
}

func (l *Log) SendBatch(ctx context.Context, msgs []*Message) ([]BatchResult, error) {
	return sendEach(ctx, l, msgs)
}
