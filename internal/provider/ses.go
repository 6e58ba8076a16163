package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// sesAPI is the part of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESSender struct {
	client           sesAPI
	configurationSet string
}

func NewSESSender(region, accessKeyID, secretAccessKey, configurationSet string) (*SESSender, error) {
	if region == "" {
		return nil, errors.New("ses: region is required")
	}
	if accessKeyID == "" || secretAccessKey == "" {
		return nil, errors.New("ses: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
	}
	client := sesv2.New(sesv2.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	})
	return &SESSender{client: client, configurationSet: configurationSet}, nil
}

func (s *SESSender) Name() string { return "ses" }

func (s *SESSender) Send(ctx context.Context, msg Message) (string, error) {
	body := &types.Body{
		Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", classifySES(err)
	}
	return aws.ToString(out.MessageId), nil
}

var sesKinds = map[string]Kind{
	"Throttling":                             KindThrottled,
	"ThrottlingException":                    KindThrottled,
	"TooManyRequestsException":               KindThrottled,
	"LimitExceededException":                 KindThrottled,
	"MessageRejected":                        KindRejected,
	"BadRequestException":                    KindRejected,
	"ConfigurationSetDoesNotExist":           KindConfiguration,
	"NotFoundException":                      KindConfiguration,
	"MailFromDomainNotVerifiedException":     KindConfiguration,
	"MailFromDomainNotVerified":              KindConfiguration,
	"AccountSuspendedException":              KindConfiguration,
	"SendingPausedException":                 KindConfiguration,
	"AccessDeniedException":                  KindConfiguration,
	"UnrecognizedClientException":            KindConfiguration,
	"InvalidClientTokenId":                   KindConfiguration,
	"ConfigurationSetSendingPausedException": KindConfiguration,
}

func classifySES(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &SendError{Kind: KindUnknown, Message: err.Error(), Err: err}
	}
	kind, ok := sesKinds[apiErr.ErrorCode()]
	if !ok {
		kind = KindUnknown
	}
	return &SendError{
		Kind:    kind,
		Code:    apiErr.ErrorCode(),
		Message: fmt.Sprintf("ses: %s", apiErr.ErrorMessage()),
		Err:     err,
	}
}
