package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// SESAPI is the subset of the SES client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region           string
	FromEmail        string
	ConfigurationSet string
}

// SES sends email through Amazon SES.
type SES struct {
	client SESAPI
	cfg    SESConfig
	logger *zap.Logger
}

func NewSES(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SES, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESWithClient(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func NewSESWithClient(client SESAPI, cfg SESConfig, logger *zap.Logger) *SES {
	return &SES{client: client, cfg: cfg, logger: logger}
}

func (s *SES) Name() string { return "ses" }

var sesTagValue = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Send sends one email via SES.
func (s *SES) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, Permanent(s.Name(), "invalid_message", err)
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.cfg.FromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}
	if msg.Tag != "" {
		input.Tags = []types.MessageTag{{
			Name:  aws.String("category"),
			Value: aws.String(sesTagValue.ReplaceAllString(msg.Tag, "_")),
		}}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	messageID := aws.ToString(out.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", messageID),
	)
	return &Result{Provider: s.Name(), ProviderMessageID: messageID}, nil
}

func (s *SES) SendBatch(ctx context.Context, msgs []*Message) ([]BatchResult, error) {
	return sendEach(ctx, s, msgs)
}

// classifySESError separates rejections of the message itself from
// failures of the service.
func classifySESError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "Throttling", "ThrottlingException", "ServiceUnavailable", "RequestTimeout":
			return Transient("ses", code, err)
		case "MessageRejected", "MailFromDomainNotVerifiedException",
			"ConfigurationSetDoesNotExistException", "InvalidParameterValue",
			"AccountSendingPausedException":
			return Permanent("ses", code, err)
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return Permanent("ses", code, err)
		}
		return Transient("ses", code, err)
	}
	return Transient("ses", "", err)
}
