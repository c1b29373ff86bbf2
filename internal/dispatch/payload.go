package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/postmark-relay/internal/email"
	"github.com/shineum/postmark-relay/internal/provider"
)

// Builder converts mail messages into provider payloads.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a Builder. A nil logger falls back to slog.Default().
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build classifies msg and builds the matching payload variant.
func (b *Builder) Build(ctx context.Context, msg *email.MailMessage, cfg Config) (provider.Payload, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	if Classify(msg) == provider.KindTemplated {
		p, err := b.BuildTemplated(ctx, msg, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	p, err := b.BuildBasic(ctx, msg, cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// BuildBasic builds a subject/body payload.
func (b *Builder) BuildBasic(ctx context.Context, msg *email.MailMessage, cfg Config) (*provider.BasicPayload, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	b.logger.Debug("creating basic message",
		"attachments", len(msg.Attachments),
	)

	attachments, err := b.encodeAttachments(ctx, msg, false)
	if err != nil {
		return nil, err
	}

	payload := &provider.BasicPayload{
		From:        resolveFrom(msg, cfg),
		To:          joinAddresses(msg.To),
		Cc:          joinAddresses(msg.Cc),
		Bcc:         joinAddresses(msg.Bcc),
		ReplyTo:     joinAddresses(msg.ReplyTo),
		Subject:     msg.Subject,
		Tag:         msg.Metadata.Get(email.TagHeader),
		Headers:     b.customHeaders(msg.Metadata),
		TrackOpens:  copyBool(cfg.TrackOpens),
		TrackLinks:  trackLinks(msg.Metadata),
		Attachments: attachments,
	}
	if msg.IsHTML {
		payload.HtmlBody = lo.ToPtr(msg.Body)
	} else {
		payload.TextBody = lo.ToPtr(msg.Body)
	}

	return payload, nil
}

// BuildTemplated builds a payload referencing a provider-hosted template.
func (b *Builder) BuildTemplated(ctx context.Context, msg *email.MailMessage, cfg Config) (*provider.TemplatedPayload, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	templateID, templateAlias, err := templateRef(msg.Metadata)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("creating templated message",
		"template_id", msg.Metadata.Get(email.TemplateIDHeader),
		"template_alias", msg.Metadata.Get(email.TemplateAliasHeader),
	)

	model, err := ExtractModel(msg.Body)
	if err != nil {
		return nil, err
	}

	attachments, err := b.encodeAttachments(ctx, msg, true)
	if err != nil {
		return nil, err
	}

	return &provider.TemplatedPayload{
		From:          resolveFrom(msg, cfg),
		To:            joinAddresses(msg.To),
		Cc:            joinAddresses(msg.Cc),
		Bcc:           joinAddresses(msg.Bcc),
		ReplyTo:       joinAddresses(msg.ReplyTo),
		TemplateID:    templateID,
		TemplateAlias: templateAlias,
		TemplateModel: model,
		Tag:           msg.Metadata.Get(email.TagHeader),
		Headers:       b.customHeaders(msg.Metadata),
		TrackOpens:    copyBool(cfg.TrackOpens),
		TrackLinks:    trackLinks(msg.Metadata),
		Attachments:   attachments,
	}, nil
}

func (b *Builder) encodeAttachments(ctx context.Context, msg *email.MailMessage, templated bool) ([]provider.Attachment, error) {
	if len(msg.Attachments) > 0 {
		b.logger.Debug("processing attachments", "count", len(msg.Attachments))
	}

	encoded, err := EncodeAttachments(ctx, msg.Attachments)
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			de.Templated = templated
		}
		b.logger.Error("failed to process attachment", "error", err)
		return nil, err
	}

	for _, att := range encoded {
		b.logger.Debug("processed attachment",
			"name", att.Name,
			"content_type", att.ContentType,
		)
	}
	return encoded, nil
}

// customHeaders forwards every metadata entry except the template reference,
// keeping order, names and values untouched.
func (b *Builder) customHeaders(md email.Headers) []provider.Header {
	kept := lo.Filter(md, func(h email.Header, _ int) bool {
		return !isTemplateHeader(h.Name)
	})
	if len(kept) == 0 {
		return nil
	}

	b.logger.Debug("processing headers", "count", len(kept))
	return lo.Map(kept, func(h email.Header, _ int) provider.Header {
		return provider.Header{Name: h.Name, Value: h.Value}
	})
}

func validate(msg *email.MailMessage) error {
	if msg == nil {
		return &Error{Kind: ErrorKindValidation, Err: ErrNilMessage}
	}
	if len(msg.To) == 0 {
		return &Error{Kind: ErrorKindValidation, Err: ErrNoRecipients}
	}
	return nil
}

// templateRef returns the numeric id when the id metadata parses as an
// integer, otherwise the alias.
func templateRef(md email.Headers) (*int64, string, error) {
	rawID := strings.TrimSpace(md.Get(email.TemplateIDHeader))
	if rawID != "" {
		if id, err := strconv.ParseInt(rawID, 10, 64); err == nil {
			return &id, "", nil
		}
	}

	alias := md.Get(email.TemplateAliasHeader)
	if strings.TrimSpace(alias) != "" {
		return nil, alias, nil
	}

	return nil, "", &Error{
		Kind:      ErrorKindValidation,
		Templated: true,
		Err:       fmt.Errorf("%w: %q", ErrInvalidTemplate, rawID),
	}
}

// resolveFrom prefers the configured default sender over the message's own.
func resolveFrom(msg *email.MailMessage, cfg Config) string {
	if cfg.DefaultFromAddress != "" {
		return cfg.DefaultFromAddress
	}
	return msg.From
}

func joinAddresses(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	return strings.Join(addrs, ",")
}

func trackLinks(md email.Headers) provider.LinkTracking {
	v, ok := md.Lookup(email.TrackLinksHeader)
	if !ok {
		return ""
	}

	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		return provider.LinkTrackingHTMLAndText
	case "false":
		return provider.LinkTrackingNone
	default:
		return ""
	}
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	return lo.ToPtr(*b)
}
