// Package email defines the provider-agnostic mail message handed to the dispatcher.
package email

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Reserved metadata names. Everything else in MailMessage.Metadata is
// forwarded to the provider as a custom header.
const (
	TemplateIDHeader    = "X-Postmark-Template-Id"
	TemplateAliasHeader = "X-Postmark-Template-Alias"
	TagHeader           = "X-Postmark-Tag"
	TrackLinksHeader    = "X-Postmark-TrackLinks"
)

// MailMessage is a generic outgoing email. Callers must not mutate it while a
// dispatch is in flight.
type MailMessage struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     []string
	Subject     string
	Body        string
	IsHTML      bool
	Attachments []Attachment
	Metadata    Headers
}

// Attachment is a named content stream. If Content also implements
// io.Seeker it is rewound after being read so the message can be sent again.
type Attachment struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// UseTemplateID marks the message as templated by numeric template id and
// stores model, serialized as JSON, in the body.
func (m *MailMessage) UseTemplateID(id int64, model any) error {
	return m.useTemplate(TemplateIDHeader, strconv.FormatInt(id, 10), model)
}

// UseTemplateAlias marks the message as templated by template alias and
// stores model, serialized as JSON, in the body.
func (m *MailMessage) UseTemplateAlias(alias string, model any) error {
	return m.useTemplate(TemplateAliasHeader, alias, model)
}

func (m *MailMessage) useTemplate(header, value string, model any) error {
	body, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to serialize template model: %w", err)
	}
	m.Metadata.Set(header, value)
	m.Body = string(body)
	return nil
}
