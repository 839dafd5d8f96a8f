package redis

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// InAppChannel is the pub/sub channel a user's open sessions subscribe to.
func InAppChannel(userID string) string {
	return fmt.Sprintf("beacon:inapp:%s", userID)
}

// InAppPublisher pushes rendered in-app notifications to subscribers.
type InAppPublisher struct {
	client *Client
	logger *zap.Logger
}

func NewInAppPublisher(client *Client, logger *zap.Logger) *InAppPublisher {
	return &InAppPublisher{client: client, logger: logger}
}

// Publish returns the number of subscribers that received the message.
// Zero is not an error: the user simply has no open session.
func (p *InAppPublisher) Publish(ctx context.Context, userID string, message []byte) (int64, error) {
	receivers, err := p.client.rdb.Publish(ctx, InAppChannel(userID), message).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish failed: %w", err)
	}

	p.logger.Debug("in-app notification published",
		zap.String("user_id", userID),
		zap.Int64("receivers", receivers),
	)
	return receivers, nil
}
