// Package dispatch turns generic mail messages into provider payloads, sends
// them through a provider.Client and maps the outcome into typed errors.
package dispatch

import (
	"strings"

	"github.com/shineum/postmark-relay/internal/email"
	"github.com/shineum/postmark-relay/internal/provider"
)

// Config is the resolved per-dispatch configuration. It is read-only to this
// package.
type Config struct {
	APIKey string

	// DefaultFromAddress, when set, takes precedence over MailMessage.From.
	DefaultFromAddress string

	// TrackOpens is passed to the provider verbatim; nil leaves it unset.
	TrackOpens *bool
}

// Classify reports whether msg takes the templated path. Only the template id
// and alias metadata are consulted.
func Classify(msg *email.MailMessage) provider.Kind {
	if hasValue(msg.Metadata, email.TemplateIDHeader) || hasValue(msg.Metadata, email.TemplateAliasHeader) {
		return provider.KindTemplated
	}
	return provider.KindBasic
}

func hasValue(h email.Headers, name string) bool {
	return strings.TrimSpace(h.Get(name)) != ""
}

func isTemplateHeader(name string) bool {
	return strings.EqualFold(name, email.TemplateIDHeader) || strings.EqualFold(name, email.TemplateAliasHeader)
}
