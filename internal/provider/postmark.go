package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"
)

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromEmail    string
	// BaseURL overrides the API endpoint; empty uses Postmark's.
	BaseURL string
}

// PostmarkClient is the subset of the Postmark client used here.
type PostmarkClient interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
	SendEmailBatch(ctx context.Context, emails []postmark.Email) ([]postmark.EmailResponse, error)
}

// Postmark sends email through the Postmark API.
type Postmark struct {
	client PostmarkClient
	cfg    PostmarkConfig
	logger *zap.Logger
}

var ErrInvalidConfig = errors.New("invalid provider configuration")

func NewPostmark(cfg PostmarkConfig, logger *zap.Logger) (*Postmark, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("%w: postmark sender address is required", ErrInvalidConfig)
	}

	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &Postmark{client: client, cfg: cfg, logger: logger}, nil
}

func (p *Postmark) Name() string { return "postmark" }

// Postmark API error codes that reject the message itself.
var postmarkPermanentCodes = map[int64]bool{
	300: true, // invalid email request
	406: true, // inactive recipient
	409: true, // JSON required
	410: true, // too many batch messages
	411: true, // forbidden attachment type
	412: true, // account pending approval
	422: true, // invalid JSON
}

func (p *Postmark) email(msg *Message) postmark.Email {
	e := postmark.Email{
		From:       p.cfg.FromEmail,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTML,
		TextBody:   msg.Text,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	}
	if msg.IdempotencyKey != "" {
		e.Headers = []postmark.Header{{Name: "X-Idempotency-Key", Value: msg.IdempotencyKey}}
	}
	return e
}

func (p *Postmark) classify(resp postmark.EmailResponse) error {
	if resp.ErrorCode == 0 {
		return nil
	}
	code := strconv.FormatInt(resp.ErrorCode, 10)
	err := fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	if postmarkPermanentCodes[resp.ErrorCode] {
		return Permanent(p.Name(), code, err)
	}
	return Transient(p.Name(), code, err)
}

// Send sends one email via Postmark.
func (p *Postmark) Send(ctx context.Context, msg *Message) (*Result, error) {
	if err := validate(msg); err != nil {
		return nil, Permanent(p.Name(), "invalid_message", err)
	}

	resp, err := p.client.SendEmail(ctx, p.email(msg))
	if err != nil {
		return nil, Transient(p.Name(), "", err)
	}
	if err := p.classify(resp); err != nil {
		return nil, err
	}

	p.logger.Info("email sent via Postmark",
		zap.String("to", msg.To),
		zap.String("message_id", resp.MessageID),
	)
	return &Result{Provider: p.Name(), ProviderMessageID: resp.MessageID}, nil
}

// SendBatch uses the Postmark batch endpoint. Per-message rejections are
// reported in the results; a transport failure fails the whole batch.
func (p *Postmark) SendBatch(ctx context.Context, msgs []*Message) ([]BatchResult, error) {
	results := make([]BatchResult, len(msgs))
	emails := make([]postmark.Email, 0, len(msgs))
	index := make([]int, 0, len(msgs))

	for i, msg := range msgs {
		if err := validate(msg); err != nil {
			results[i].Err = Permanent(p.Name(), "invalid_message", err)
			continue
		}
		emails = append(emails, p.email(msg))
		index = append(index, i)
	}
	if len(emails) == 0 {
		return results, nil
	}

	responses, err := p.client.SendEmailBatch(ctx, emails)
	if err != nil {
		return nil, Transient(p.Name(), "", err)
	}

	for j, i := range index {
		if j >= len(responses) {
			results[i].Err = Transient(p.Name(), "", errors.New("missing batch response"))
			continue
		}
		if err := p.classify(responses[j]); err != nil {
			results[i].Err = err
			continue
		}
		results[i].Result = &Result{Provider: p.Name(), ProviderMessageID: responses[j].MessageID}
	}

	p.logger.Info("email batch sent via Postmark", zap.Int("messages", len(emails)))
	return results, nil
}
