// Package stdout implements a provider.Client that prints payloads to
// standard output instead of delivering them.
package stdout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/postmark-relay/internal/provider"
)

const separator = "========================================\n"

// Client prints payloads in a human-readable format.
type Client struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a Client that writes to os.Stdout.
func New() *Client {
	return &Client{writer: os.Stdout}
}

// NewWithWriter creates a Client that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Client {
	return &Client{writer: w}
}

// NewFactory returns a factory handing out c for every API key.
func NewFactory(c *Client) provider.Factory {
	return provider.FactoryFunc(func(string) (provider.Client, error) {
		return c, nil
	})
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "stdout"
}

// SendBasic prints a subject/body payload.
func (c *Client) SendBasic(_ context.Context, payload *provider.BasicPayload) (*provider.Response, error) {
	var b strings.Builder

	writeAddresses(&b, payload.From, payload.To, payload.Cc, payload.ReplyTo)
	fmt.Fprintf(&b, "Subject: %s\n", payload.Subject)
	writeExtras(&b, payload.Tag, payload.TrackLinks, payload.Headers)
	b.WriteString("Body:\n")

	switch {
	case payload.HtmlBody != nil:
		b.WriteString(*payload.HtmlBody + "\n")
	case payload.TextBody != nil:
		b.WriteString(*payload.TextBody + "\n")
	}
	writeAttachments(&b, payload.Attachments)

	return c.print(b.String(), payload.To)
}

// SendTemplated prints a template reference and its model.
func (c *Client) SendTemplated(_ context.Context, payload *provider.TemplatedPayload) (*provider.Response, error) {
	var b strings.Builder

	writeAddresses(&b, payload.From, payload.To, payload.Cc, payload.ReplyTo)
	if payload.TemplateID != nil {
		fmt.Fprintf(&b, "Template: %d\n", *payload.TemplateID)
	} else {
		fmt.Fprintf(&b, "Template: %s\n", payload.TemplateAlias)
	}
	writeExtras(&b, payload.Tag, payload.TrackLinks, payload.Headers)
	b.WriteString("Model:\n")

	model, err := json.MarshalIndent(payload.TemplateModel, "", "  ")
	if err != nil {
		return &provider.Response{Status: provider.StatusUserError, Message: err.Error()}, nil
	}
	b.Write(model)
	b.WriteString("\n")
	writeAttachments(&b, payload.Attachments)

	return c.print(b.String(), payload.To)
}

func (c *Client) print(body, to string) (*provider.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprint(c.writer, separator+body+separator); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	return &provider.Response{
		Status:      provider.StatusSuccess,
		MessageID:   uuid.NewString(),
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
		To:          to,
	}, nil
}

func writeAddresses(b *strings.Builder, from, to, cc, replyTo string) {
	fmt.Fprintf(b, "From: %s\n", from)
	fmt.Fprintf(b, "To: %s\n", spaced(to))
	if cc != "" {
		fmt.Fprintf(b, "Cc: %s\n", spaced(cc))
	}
	if replyTo != "" {
		fmt.Fprintf(b, "Reply-To: %s\n", spaced(replyTo))
	}
}

func writeExtras(b *strings.Builder, tag string, links provider.LinkTracking, headers []provider.Header) {
	if tag != "" {
		fmt.Fprintf(b, "Tag: %s\n", tag)
	}
	if links != "" {
		fmt.Fprintf(b, "Track-Links: %s\n", links)
	}
	for _, h := range headers {
		fmt.Fprintf(b, "Header: %s: %s\n", h.Name, h.Value)
	}
}

func writeAttachments(b *strings.Builder, attachments []provider.Attachment) {
	if len(attachments) == 0 {
		return
	}
	list := make([]string, 0, len(attachments))
	for _, att := range attachments {
		list = append(list, fmt.Sprintf("%s (%s)", att.Name, formatSize(decodedSize(att.Content))))
	}
	fmt.Fprintf(b, "Attachments: %s\n", strings.Join(list, ", "))
}

// spaced renders a comma-joined address list the way mail clients show it.
func spaced(joined string) string {
	return strings.ReplaceAll(joined, ",", ", ")
}

func decodedSize(encoded string) int {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return base64.StdEncoding.DecodedLen(len(encoded))
	}
	return len(raw)
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
