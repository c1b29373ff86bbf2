package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/shineum/postmark-relay/internal/email"
	"github.com/shineum/postmark-relay/internal/provider"
)

// EncodeAttachments reads and base64-encodes every attachment. It returns nil
// for an empty list. Any read failure, including ctx being cancelled mid-read,
// fails the whole list.
func EncodeAttachments(ctx context.Context, attachments []email.Attachment) ([]provider.Attachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	encoded := make([]provider.Attachment, 0, len(attachments))
	for _, att := range attachments {
		content, err := readAttachment(ctx, att)
		if err != nil {
			return nil, &Error{
				Kind:    ErrorKindAttachmentIO,
				Message: fmt.Sprintf("%s %q", ErrAttachmentRead, att.Name),
				Err:     err,
			}
		}

		encoded = append(encoded, provider.Attachment{
			Name:        att.Name,
			Content:     base64.StdEncoding.EncodeToString(content),
			ContentType: att.ContentType,
		})
	}

	return encoded, nil
}

func readAttachment(ctx context.Context, att email.Attachment) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if att.Content == nil {
		return nil, errors.New("attachment has no content stream")
	}

	content, err := io.ReadAll(ctxReader{ctx: ctx, r: att.Content})
	if err != nil {
		return nil, err
	}

	if s, ok := att.Content.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind content: %w", err)
		}
	}

	return content, nil
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
