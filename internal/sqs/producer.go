// Package sqs carries notification requests over AWS SQS: the API can
// publish requests instead of enqueueing them, and a consumer feeds them
// into intake.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/notify"
)

// maxBatch is the SQS limit on entries per SendMessageBatch.
const maxBatch = 10

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the SQS endpoint (LocalStack).
	Endpoint string
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer sends notification requests to SQS.
type Producer struct {
	client   API
	queueURL string
	fifo     bool
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)
	return NewProducerWithClient(client, cfg.QueueURL, logger), nil
}

func NewProducerWithClient(client API, queueURL string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

func attributes(req *notify.Request) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(req.Type)),
		},
		"channel": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(req.Channel)),
		},
		"priority": {
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.Itoa(req.Priority)),
		},
	}
}

// Enqueue sends req to SQS and returns the message id. On a FIFO queue the
// notification id is the deduplication id and the user id the group.
func (p *Producer) Enqueue(ctx context.Context, req *notify.Request) (string, error) {
	body, err := req.Encode()
	if err != nil {
		return "", err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes(req),
	}
	if p.fifo {
		input.MessageGroupId = aws.String(req.UserID.String())
		input.MessageDeduplicationId = aws.String(req.ID.String())
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("notification_id", req.ID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// EnqueueBatch sends requests in batches of ten. It returns the message id
// of every accepted request, keyed by notification id, and an error if any
// entry failed.
func (p *Producer) EnqueueBatch(ctx context.Context, reqs []*notify.Request) (map[string]string, error) {
	ids := make(map[string]string, len(reqs))
	failed := 0

	for start := 0; start < len(reqs); start += maxBatch {
		end := min(start+maxBatch, len(reqs))

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for _, req := range reqs[start:end] {
			body, err := req.Encode()
			if err != nil {
				return ids, err
			}
			entry := types.SendMessageBatchRequestEntry{
				Id:                aws.String(req.ID.String()),
				MessageBody:       aws.String(string(body)),
				MessageAttributes: attributes(req),
			}
			if p.fifo {
				entry.MessageGroupId = aws.String(req.UserID.String())
				entry.MessageDeduplicationId = aws.String(req.ID.String())
			}
			entries = append(entries, entry)
		}

		result, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return ids, fmt.Errorf("sqs batch send failed: %w", err)
		}
		for _, ok := range result.Successful {
			ids[aws.ToString(ok.Id)] = aws.ToString(ok.MessageId)
		}
		for _, f := range result.Failed {
			failed++
			p.logger.Warn("sqs batch entry failed",
				zap.String("notification_id", aws.ToString(f.Id)),
				zap.String("code", aws.ToString(f.Code)),
				zap.String("message", aws.ToString(f.Message)),
			)
		}
	}

	if failed > 0 {
		return ids, fmt.Errorf("partial batch failure: %d messages failed", failed)
	}
	return ids, nil
}
