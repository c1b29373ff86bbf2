// Package parser turns raw RFC 5322 messages received over SMTP into
// email.MailMessage values, with MIME multipart support.
package parser

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/postmark-relay/internal/email"
)

// content collects the decoded parts of a message body.
type content struct {
	text        string
	html        string
	hasText     bool
	hasHTML     bool
	attachments []email.Attachment
}

var headerDecoder = &mime.WordDecoder{}

// Parse parses a raw RFC 5322 message into a MailMessage.
//
// Custom X-* headers become metadata in the order they appear. The HTML body
// is preferred over the text body, except for templated messages whose text
// part carries the template model.
func Parse(raw []byte) (*email.MailMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	metadata, err := customHeaders(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}

	result := &email.MailMessage{
		From:     decodeHeader(msg.Header.Get("From")),
		Subject:  decodeHeader(msg.Header.Get("Subject")),
		To:       parseAddressList(msg.Header.Get("To")),
		Cc:       parseAddressList(msg.Header.Get("Cc")),
		Bcc:      parseAddressList(msg.Header.Get("Bcc")),
		ReplyTo:  parseAddressList(msg.Header.Get("Reply-To")),
		Metadata: metadata,
	}

	var body content

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		data, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		body.setText(string(data))
		body.apply(result)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, &body); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
	} else {
		data, err := decodeTransfer(msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		switch mediaType {
		case "text/html":
			body.setHTML(string(data))
		case "text/plain":
			body.setText(string(data))
		default:
			slog.Warn("unrecognized top-level content type",
				"content_type", mediaType,
			)
			body.setText(string(data))
		}
	}

	body.apply(result)
	return result, nil
}

func (c *content) setText(s string) {
	if !c.hasText {
		c.text, c.hasText = s, true
	}
}

func (c *content) setHTML(s string) {
	if !c.hasHTML {
		c.html, c.hasHTML = s, true
	}
}

// apply picks the message body and copies the attachments.
func (c *content) apply(msg *email.MailMessage) {
	msg.Attachments = c.attachments

	templated := strings.TrimSpace(msg.Metadata.Get(email.TemplateIDHeader)) != "" ||
		strings.TrimSpace(msg.Metadata.Get(email.TemplateAliasHeader)) != ""

	switch {
	case templated && c.hasText:
		msg.Body = c.text
	case c.hasHTML:
		msg.Body, msg.IsHTML = c.html, true
	default:
		msg.Body = c.text
	}
}

// parseMultipart processes a multipart MIME body, extracting text/plain,
// text/html parts and attachments.
func parseMultipart(r io.Reader, boundary string, body *content) error {
	reader := multipart.NewReader(r, boundary)

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		isAttachment := strings.HasPrefix(strings.ToLower(disposition), "attachment")

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, body); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		data, err := decodeTransfer(part.Header.Get("Content-Transfer-Encoding"), part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		if isAttachment {
			body.addAttachment(extractFilename(part, mediaType, params), mediaType, data)
			continue
		}

		switch mediaType {
		case "text/plain":
			body.setText(string(data))
		case "text/html":
			body.setHTML(string(data))
		default:
			// Inline parts with a name are still attachments.
			if name := partName(part, params); name != "" {
				body.addAttachment(name, mediaType, data)
				continue
			}
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}

	return nil
}

func (c *content) addAttachment(name, contentType string, data []byte) {
	c.attachments = append(c.attachments, email.Attachment{
		Name:        name,
		ContentType: contentType,
		Content:     bytes.NewReader(data),
	})
}

// decodeTransfer reads r and undoes base64 transfer encoding. The multipart
// reader already decodes quoted-printable parts.
func decodeTransfer(encoding string, r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
	case "quoted-printable":
		// multipart.Reader already decodes quoted-printable parts and drops
		// the header, so this only sees single-part bodies.
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	default:
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// unpadded
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

func partName(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	return params["name"]
}

// extractFilename returns the part's file name, falling back to one derived
// from the media type since providers require attachment names.
func extractFilename(part *multipart.Part, mediaType string, params map[string]string) string {
	if name := partName(part, params); name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// customHeaders returns the X-* headers of raw in the order they appear,
// with folded lines joined and encoded words decoded.
func customHeaders(raw []byte) (email.Headers, error) {
	var (
		headers email.Headers
		name    string
		value   strings.Builder
	)

	flush := func() {
		if len(name) > 2 && strings.EqualFold(name[:2], "X-") {
			headers.Add(name, decodeHeader(strings.TrimSpace(value.String())))
		}
		name = ""
		value.Reset()
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), len(raw)+1)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			value.WriteString(" ")
			value.WriteString(strings.TrimSpace(line))
			continue
		}

		flush()
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(k)
		value.WriteString(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()

	return headers, nil
}

func decodeHeader(v string) string {
	decoded, err := headerDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
