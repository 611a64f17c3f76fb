package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSPublisher is the subset of the SNS client used here.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SESSender is the subset of the SES client used here.
type SESSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SNS publishes alerts to a topic.
type SNS struct {
	client   SNSPublisher
	topicARN string
}

// NewSNS loads the default AWS configuration for region.
func NewSNS(ctx context.Context, region, topicARN string) (*SNS, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewSNSWithClient uses an existing client.
func NewSNSWithClient(client SNSPublisher, topicARN string) *SNS {
	return &SNS{client: client, topicARN: topicARN}
}

func (s *SNS) Name() string { return "sns" }

func (s *SNS) Notify(ctx context.Context, p Payload) error {
	subject := p.Subject()
	// SNS subjects are limited to 100 ASCII-ish characters.
	if r := []rune(subject); len(r) > 90 {
		subject = string(r[:90])
	}
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(p.Message()),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// SES emails alerts.
type SES struct {
	client SESSender
	from   string
	to     []string
}

// NewSES loads the default AWS configuration for region.
func NewSES(ctx context.Context, region, from string, to []string) (*SES, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESWithClient(ses.NewFromConfig(cfg), from, to), nil
}

// NewSESWithClient uses an existing client.
func NewSESWithClient(client SESSender, from string, to []string) *SES {
	return &SES{client: client, from: from, to: to}
}

func (s *SES) Name() string { return "ses" }

func (s *SES) Notify(ctx context.Context, p Payload) error {
	_, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &sestypes.Destination{ToAddresses: s.to},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(p.Subject()), Charset: aws.String("UTF-8")},
			Body: &sestypes.Body{
				Text: &sestypes.Content{Data: aws.String(p.Message()), Charset: aws.String("UTF-8")},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
