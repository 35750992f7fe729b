package mailer

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/segflow/segflow/internal/faults"
	"github.com/segflow/segflow/internal/pkg/logger"
)

// sesAPI is the slice of the SES v2 client the transport uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type sesTransport struct {
	api sesAPI
}

func newSESTransport(ctx context.Context, cfg *ProviderConfig) (*sesTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, faults.Transportf("ses", "load aws config: %v", err)
	}
	return &sesTransport{api: sesv2.NewFromConfig(awsCfg)}, nil
}

func (t *sesTransport) Send(ctx context.Context, from, to, subject, html string) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	out, err := t.api.SendEmail(ctx, input)
	if err != nil {
		return faults.Transportf("ses", "%v", err)
	}
	if out.MessageId != nil {
		logger.Debug("ses accepted message", "id", *out.MessageId)
	}
	return nil
}
