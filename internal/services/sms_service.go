package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// SMSSender delivers one-time codes by text message
type SMSSender interface {
	SendCode(ctx context.Context, phone, code string) (string, error)
}

// SNSClient is the subset of the SNS API used to send texts
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSMSSender sends codes as transactional SMS through AWS SNS
type SNSSMSSender struct {
	client   SNSClient
	senderID string
	logger   *slog.Logger
}

// NewSNSSMSSender creates a sender with the default AWS credential chain
func NewSNSSMSSender(ctx context.Context, region, senderID string, logger *slog.Logger) (*SNSSMSSender, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSNSSMSSenderWithClient(sns.NewFromConfig(cfg), senderID, logger), nil
}

func NewSNSSMSSenderWithClient(client SNSClient, senderID string, logger *slog.Logger) *SNSSMSSender {
	return &SNSSMSSender{
		client:   client,
		senderID: senderID,
		logger:   logger,
	}
}

func (s *SNSSMSSender) SendCode(ctx context.Context, phone, code string) (string, error) {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(fmt.Sprintf("Your verification code is %s. Do not share it with anyone.", code)),
		MessageAttributes: attrs,
	})
	if err != nil {
		s.logger.Error("failed to send sms via SNS",
			slog.String("phone", pkglogger.MaskPhone(phone)),
			slog.Any("error", err))
		return "", fmt.Errorf("failed to publish sms: %w", err)
	}

	messageID := aws.ToString(out.MessageId)
	s.logger.Info("sms code sent",
		slog.String("phone", pkglogger.MaskPhone(phone)),
		slog.String("message_id", messageID))
	return messageID, nil
}

// LogSMSSender writes codes to the log instead of sending them. Development only.
type LogSMSSender struct {
	logger *slog.Logger
}

func NewLogSMSSender(logger *slog.Logger) *LogSMSSender {
	return &LogSMSSender{logger: logger}
}

func (s *LogSMSSender) SendCode(ctx context.Context, phone, code string) (string, error) {
	s.logger.WarnContext(ctx, "sms delivery disabled, code logged",
		slog.String("phone", pkglogger.MaskPhone(phone)),
		slog.String("code", code))
	return "log", nil
}
