// Package ses implements provider.Client on top of AWS SES v2. Hosted
// templates are referenced by name; a numeric Postmark template id is used
// as the SES template name verbatim.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/shineum/postmark-relay/internal/provider"
)

// tagName is the SES message tag the payload Tag is stored under.
const tagName = "tag"

// Config holds the settings for creating a Client.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender is used when a payload carries no From address.
	Sender string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Client sends payloads via the AWS SES v2 API.
type Client struct {
	sender string
	api    SendEmailAPI
}

// New loads the AWS configuration and creates a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Client with a custom SES API, used for testing.
func NewWithClient(sender string, api SendEmailAPI) *Client {
	return &Client{
		sender: sender,
		api:    api,
	}
}

// NewFactory loads the AWS configuration once and returns a factory whose
// clients share it. SES authenticates through AWS credentials, so the API key
// handed to the factory is ignored.
func NewFactory(ctx context.Context, cfg Config) (provider.Factory, error) {
	c, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return provider.FactoryFunc(func(string) (provider.Client, error) {
		return NewWithClient(c.sender, c.api), nil
	}), nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "ses"
}

// SendBasic delivers a subject/body payload. Payloads with attachments are
// sent as raw MIME, the rest use the SES simple format.
func (c *Client) SendBasic(ctx context.Context, payload *provider.BasicPayload) (*provider.Response, error) {
	from := c.from(payload.From)

	var input *sesv2.SendEmailInput
	if len(payload.Attachments) > 0 {
		raw, err := buildRawMessage(from, payload)
		if err != nil {
			return &provider.Response{
				Status:  provider.StatusUserError,
				Message: fmt.Sprintf("failed to build raw message: %v", err),
			}, nil
		}
		input = &sesv2.SendEmailInput{
			Destination: destination(payload.To, payload.Cc, payload.Bcc),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(from, payload)
	}
	input.EmailTags = emailTags(payload.Tag)

	return c.send(ctx, input, payload.To)
}

// SendTemplated delivers a payload rendered from an SES-hosted template.
func (c *Client) SendTemplated(ctx context.Context, payload *provider.TemplatedPayload) (*provider.Response, error) {
	if len(payload.Attachments) > 0 {
		return &provider.Response{
			Status:  provider.StatusUserError,
			Message: "SES templated messages cannot carry attachments",
		}, nil
	}

	input, err := buildTemplateInput(c.from(payload.From), payload)
	if err != nil {
		return &provider.Response{Status: provider.StatusUserError, Message: err.Error()}, nil
	}

	return c.send(ctx, input, payload.To)
}

func (c *Client) send(ctx context.Context, input *sesv2.SendEmailInput, to string) (*provider.Response, error) {
	out, err := c.api.SendEmail(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorFault() != smithy.FaultUnknown {
			slog.Warn("SES API error",
				"code", apiErr.ErrorCode(),
				"fault", apiErr.ErrorFault().String(),
				"error", err,
			)
			return &provider.Response{
				Status:  faultStatus(apiErr.ErrorFault()),
				Message: apiErr.ErrorMessage(),
			}, nil
		}
		return nil, fmt.Errorf("SES API request failed: %w", err)
	}

	return &provider.Response{
		Status:    provider.StatusSuccess,
		MessageID: aws.ToString(out.MessageId),
		To:        to,
	}, nil
}

func (c *Client) from(payloadFrom string) string {
	if payloadFrom != "" {
		return payloadFrom
	}
	return c.sender
}

func faultStatus(fault smithy.ErrorFault) provider.Status {
	switch fault {
	case smithy.FaultClient:
		return provider.StatusUserError
	case smithy.FaultServer:
		return provider.StatusServerError
	default:
		return provider.StatusUnknown
	}
}

// buildSimpleInput creates a SES SendEmailInput for payloads without attachments.
func buildSimpleInput(from string, payload *provider.BasicPayload) *sesv2.SendEmailInput {
	body := &types.Body{}

	if payload.HtmlBody != nil {
		body.Html = utf8Content(*payload.HtmlBody)
	}
	if payload.TextBody != nil {
		body.Text = utf8Content(*payload.TextBody)
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      destination(payload.To, payload.Cc, payload.Bcc),
		ReplyToAddresses: splitAddresses(payload.ReplyTo),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8Content(payload.Subject),
				Body:    body,
				Headers: messageHeaders(payload.Headers),
			},
		},
	}
}

// buildTemplateInput creates a SES SendEmailInput referencing a stored template.
func buildTemplateInput(from string, payload *provider.TemplatedPayload) (*sesv2.SendEmailInput, error) {
	name := payload.TemplateAlias
	if payload.TemplateID != nil {
		name = strconv.FormatInt(*payload.TemplateID, 10)
	}
	if name == "" {
		return nil, errors.New("template name is required")
	}

	data := []byte("{}")
	if payload.TemplateModel != nil {
		var err error
		data, err = json.Marshal(payload.TemplateModel)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal template data: %w", err)
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      destination(payload.To, payload.Cc, payload.Bcc),
		ReplyToAddresses: splitAddresses(payload.ReplyTo),
		EmailTags:        emailTags(payload.Tag),
		Content: &types.EmailContent{
			Template: &types.Template{
				TemplateName: aws.String(name),
				TemplateData: aws.String(string(data)),
				Headers:      messageHeaders(payload.Headers),
			},
		},
	}, nil
}

// buildRawMessage constructs a raw MIME message for payloads with attachments.
func buildRawMessage(from string, payload *provider.BasicPayload) ([]byte, error) {
	var buf bytes.Buffer

	headers := []provider.Header{{Name: "From", Value: from}}
	for _, field := range []struct{ name, joined string }{
		{"To", payload.To},
		{"Cc", payload.Cc},
		{"Reply-To", payload.ReplyTo},
	} {
		if addrs := splitAddresses(field.joined); len(addrs) > 0 {
			headers = append(headers, provider.Header{Name: field.name, Value: strings.Join(addrs, ", ")})
		}
	}
	headers = append(headers, provider.Header{Name: "Subject", Value: mime.QEncoding.Encode("UTF-8", payload.Subject)})
	headers = append(headers, payload.Headers...)

	for _, h := range headers {
		if err := checkHeader(h.Name, h.Value); err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := make(textproto.MIMEHeader)
	var body string
	switch {
	case payload.HtmlBody != nil:
		bodyHeader.Set("Content-Type", "text/html; charset=UTF-8")
		body = *payload.HtmlBody
	case payload.TextBody != nil:
		bodyHeader.Set("Content-Type", "text/plain; charset=UTF-8")
		body = *payload.TextBody
	}
	if len(bodyHeader) > 0 {
		part, err := writer.CreatePart(bodyHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create body part: %w", err)
		}
		if _, err := part.Write([]byte(body)); err != nil {
			return nil, fmt.Errorf("failed to write body part: %w", err)
		}
	}

	for _, att := range payload.Attachments {
		content, err := base64.StdEncoding.DecodeString(att.Content)
		if err != nil {
			return nil, fmt.Errorf("attachment %q is not valid base64: %w", att.Name, err)
		}

		contentType, err := attachmentContentType(att.ContentType)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", att.Name, err)
		}

		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": att.Name}))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// checkHeader rejects header fields that would break out of their line.
func checkHeader(name, value string) error {
	if name == "" || strings.IndexFunc(name, func(r rune) bool {
		return r <= ' ' || r > '~' || r == ':'
	}) >= 0 {
		return fmt.Errorf("invalid header name %q", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("header %s: value contains a line break", name)
	}
	return nil
}

// attachmentContentType normalizes a media type, rejecting anything that
// does not parse as one.
func attachmentContentType(contentType string) (string, error) {
	if contentType == "" {
		return "application/octet-stream", nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("invalid content type %q: %w", contentType, err)
	}
	return mime.FormatMediaType(mediaType, params), nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	return strings.Join(lo.ChunkString(encoded, 76), "\r\n")
}

func destination(to, cc, bcc string) *types.Destination {
	return &types.Destination{
		ToAddresses:  splitAddresses(to),
		CcAddresses:  splitAddresses(cc),
		BccAddresses: splitAddresses(bcc),
	}
}

// splitAddresses undoes the comma join of the payload address fields.
func splitAddresses(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	return lo.FilterMap(strings.Split(joined, ","), func(addr string, _ int) (string, bool) {
		addr = strings.TrimSpace(addr)
		return addr, addr != ""
	})
}

func messageHeaders(headers []provider.Header) []types.MessageHeader {
	if len(headers) == 0 {
		return nil
	}
	return lo.Map(headers, func(h provider.Header, _ int) types.MessageHeader {
		return types.MessageHeader{Name: aws.String(h.Name), Value: aws.String(h.Value)}
	})
}

func emailTags(tag string) []types.MessageTag {
	if tag == "" {
		return nil
	}
	return []types.MessageTag{{Name: aws.String(tagName), Value: aws.String(tag)}}
}

func utf8Content(data string) *types.Content {
	return &types.Content{
		Data:    aws.String(data),
		Charset: aws.String("UTF-8"),
	}
}
