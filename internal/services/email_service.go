package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// SecurityNotifier tells an account owner about security-relevant events
type SecurityNotifier interface {
	NotifyLockout(ctx context.Context, email string, lockedUntil time.Time) error
	NotifyTheft(ctx context.Context, email string) error
}

// SESClient is the subset of the SES API used for notifications
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSecurityNotifier sends security notices using AWS SES
type SESSecurityNotifier struct {
	client      SESClient
	fromAddress string
	logger      *slog.Logger
}

// NewSESSecurityNotifier creates a notifier with the default AWS credential chain
func NewSESSecurityNotifier(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*SESSecurityNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSESSecurityNotifierWithClient(ses.NewFromConfig(cfg), fromAddress, logger), nil
}

func NewSESSecurityNotifierWithClient(client SESClient, fromAddress string, logger *slog.Logger) *SESSecurityNotifier {
	return &SESSecurityNotifier{
		client:      client,
		fromAddress: fromAddress,
		logger:      logger,
	}
}

// NotifyLockout tells the owner their account was temporarily locked
func (s *SESSecurityNotifier) NotifyLockout(ctx context.Context, email string, lockedUntil time.Time) error {
	body := fmt.Sprintf(`Your account was temporarily locked

We blocked sign-in to your account after several failed password attempts.
Sign-in will be possible again after %s.

If these attempts were not yours, change your password as soon as the lock lifts.

This is an automated message. Please do not reply to this email.
`, lockedUntil.UTC().Format("2006-01-02 15:04 MST"))

	return s.send(ctx, email, "Your account was temporarily locked", body, "lockout")
}

// NotifyTheft tells the owner a stolen refresh token was detected and their sessions ended
func (s *SESSecurityNotifier) NotifyTheft(ctx context.Context, email string) error {
	body := `We signed you out of a session

A sign-in token for your account was used more than once, which can mean it was copied
by someone else. We ended the affected session to protect your account.

Sign in again to continue. If you do not recognise recent activity, change your password.

This is an automated message. Please do not reply to this email.
`

	return s.send(ctx, email, "We signed you out of a session", body, "theft")
}

func (s *SESSecurityNotifier) send(ctx context.Context, email, subject, textBody, kind string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send security notice via SES",
			slog.String("kind", kind),
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("security notice sent",
		slog.String("kind", kind),
		slog.String("email", pkglogger.SanitizedEmail(email)),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}
