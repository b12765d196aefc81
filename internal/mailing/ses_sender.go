package mailing

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/rxfield/crm/internal/pkg/logger"
)

// ErrSenderNotConfigured is returned when no SES client could be built.
var ErrSenderNotConfigured = errors.New("SES client not initialized - check credentials")

// sesAPI is the part of the SES v2 client the sender calls.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds the SES sender settings.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	FromName         string
	FromEmail        string
	ConfigurationSet string
}

// SESSender delivers campaign email through AWS SES.
type SESSender struct {
	client sesAPI
	cfg    SESConfig
}

// NewSESSender builds an SES client. Static keys are used when given,
// otherwise the default AWS credential chain.
func NewSESSender(ctx context.Context, cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(awsCfg), cfg: cfg}, nil
}

func (s *SESSender) from() string {
	if s.cfg.FromName == "" {
		return s.cfg.FromEmail
	}
	return fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.FromEmail)
}

// SendEmail sends one HTML email and returns the SES message id.
func (s *SESSender) SendEmail(ctx context.Context, to, subject, htmlBody string) (string, error) {
	if s.client == nil {
		return "", ErrSenderNotConfigured
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from()),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send to %s: %w", logger.RedactEmail(to), err)
	}
	messageID := aws.ToString(out.MessageId)
	logger.Debug("ses email sent", "component", "ses", "email", to, "message_id", messageID)
	return messageID, nil
}
