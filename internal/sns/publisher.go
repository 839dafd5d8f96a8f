package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/provider"
)

const providerName = "sns"

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Config struct {
	Region string
	// Endpoint overrides the SNS endpoint (LocalStack).
	Endpoint string
}

// Publisher sends push notifications to mobile platform endpoints.
type Publisher struct {
	client API
	logger *zap.Logger
}

// Message is a push notification for one device endpoint.
type Message struct {
	NotificationID string
	Type           string
	Title          string
	Body           string
}

func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns publisher initialized", zap.String("region", cfg.Region))
	return NewPublisherWithClient(client, logger), nil
}

func NewPublisherWithClient(client API, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Structure builds the SNS "json" message: a default body plus per-platform
// payloads for APNs and FCM.
func Structure(msg Message) (string, error) {
	apns, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": msg.Title, "body": msg.Body},
		},
		"notification_id": msg.NotificationID,
		"type":            msg.Type,
	})
	if err != nil {
		return "", err
	}
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body},
		"data": map[string]string{
			"notification_id": msg.NotificationID,
			"type":            msg.Type,
		},
	})
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
		"GCM":          string(gcm),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Publish sends msg to a platform endpoint ARN and returns the SNS message
// id. Errors are *provider.Error values.
func (p *Publisher) Publish(ctx context.Context, endpointARN string, msg Message) (string, error) {
	if endpointARN == "" {
		return "", provider.Permanent(providerName, "invalid_message", errors.New("push endpoint is required"))
	}

	body, err := Structure(msg)
	if err != nil {
		return "", provider.Permanent(providerName, "invalid_message", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(endpointARN),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
		Subject:          aws.String(msg.Title),
	})
	if err != nil {
		p.logger.Warn("sns publish failed",
			zap.String("notification_id", msg.NotificationID),
			zap.Error(err),
		)
		return "", classifyError(err)
	}

	return aws.ToString(result.MessageId), nil
}

// Error codes that fail the same way on every retry.
var permanentCodes = map[string]bool{
	"EndpointDisabled":            true,
	"InvalidParameter":            true,
	"InvalidParameterValue":       true,
	"NotFound":                    true,
	"AuthorizationError":          true,
	"PlatformApplicationDisabled": true,
}

func classifyError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.Transient(providerName, "", err)
	}
	if permanentCodes[apiErr.ErrorCode()] {
		return provider.Permanent(providerName, apiErr.ErrorCode(), err)
	}
	return provider.Transient(providerName, apiErr.ErrorCode(), err)
}
