package sqs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/intake"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/notify"
)

// Submitter accepts a decoded request.
type Submitter interface {
	Submit(ctx context.Context, req *notify.Request) (*intake.Receipt, error)
}

type ConsumerConfig struct {
	MaxMessages       int32
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

func (c *ConsumerConfig) setDefaults() {
	if c.MaxMessages <= 0 || c.MaxMessages > 10 {
		c.MaxMessages = 10
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 60 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
}

// Consumer reads notification requests from SQS and submits them.
// A message is deleted once it is accepted or can never be accepted;
// anything else is left for redelivery after the visibility timeout.
type Consumer struct {
	client   API
	queueURL string
	submit   Submitter
	config   ConsumerConfig
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, submit Submitter, ccfg ConsumerConfig, logger *zap.Logger) (*Consumer, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewConsumerWithClient(client, cfg.QueueURL, submit, ccfg, logger), nil
}

func NewConsumerWithClient(client API, queueURL string, submit Submitter, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	cfg.setDefaults()
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		submit:   submit,
		config:   cfg,
		logger:   logger,
	}
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}
		c.logger.Debug("sqs poll finished", zap.Int("messages", n))
	}
	c.logger.Info("sqs consumer stopping")
}

// Poll receives one batch and handles every message in it concurrently.
// It returns the number of messages received.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   c.config.MaxMessages,
		WaitTimeSeconds:       int32(c.config.WaitTime / time.Second),
		VisibilityTimeout:     int32(c.config.VisibilityTimeout / time.Second),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(result.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	var wg sync.WaitGroup
	for _, msg := range result.Messages {
		wg.Add(1)
		go func(msg types.Message) {
			defer wg.Done()
			c.handle(ctx, msg)
		}(msg)
	}
	wg.Wait()
	return len(result.Messages), nil
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	log := c.logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	req, err := notify.Decode([]byte(aws.ToString(msg.Body)))
	if err != nil {
		log.Error("dropping undecodable sqs message", zap.Error(err))
		c.delete(ctx, msg, log)
		return
	}

	receipt, err := c.submit.Submit(ctx, req)
	switch {
	case errors.Is(err, notify.ErrValidation):
		log.Warn("dropping invalid notification request",
			zap.String("notification_id", req.ID.String()),
			zap.Error(err),
		)
	case err != nil:
		log.Error("failed to submit notification from sqs",
			zap.String("notification_id", req.ID.String()),
			zap.Error(err),
		)
		// Redeliver after ErrorBackoff instead of the full visibility timeout.
		if verr := c.ChangeVisibility(context.WithoutCancel(ctx), aws.ToString(msg.ReceiptHandle), c.config.ErrorBackoff); verr != nil {
			log.Warn("failed to shorten sqs visibility", zap.Error(verr))
		}
		return
	default:
		log.Debug("sqs message submitted",
			zap.String("notification_id", receipt.NotificationID.String()),
			zap.String("status", receipt.Status),
		)
	}
	c.delete(ctx, msg, log)
}

func (c *Consumer) delete(ctx context.Context, msg types.Message, log *zap.Logger) {
	if err := c.DeleteMessage(context.WithoutCancel(ctx), aws.ToString(msg.ReceiptHandle)); err != nil {
		log.Error("failed to delete sqs message", zap.Error(err))
	}
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility extends the visibility timeout for a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
