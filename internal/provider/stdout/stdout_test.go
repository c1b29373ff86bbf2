package stdout

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/shineum/postmark-relay/internal/provider"
)

func strPtr(s string) *string { return &s }

func TestSendBasic(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := NewWithWriter(&buf)

	resp, err := c.SendBasic(context.Background(), &provider.BasicPayload{
		From:     "sender@example.com",
		To:       "alice@example.com,bob@example.com",
		Subject:  "Monthly Report",
		TextBody: strPtr("Please find the report attached."),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != provider.StatusSuccess {
		t.Errorf("Status: got %v, want %v", resp.Status, provider.StatusSuccess)
	}
	if _, err := uuid.Parse(resp.MessageID); err != nil {
		t.Errorf("MessageID %q is not a UUID: %v", resp.MessageID, err)
	}
	if resp.To != "alice@example.com,bob@example.com" {
		t.Errorf("To: got %q", resp.To)
	}

	output := buf.String()
	for _, want := range []string{
		"From: sender@example.com",
		"To: alice@example.com, bob@example.com",
		"Subject: Monthly Report",
		"Please find the report attached.",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if strings.Contains(output, "Cc:") {
		t.Error("output should not contain Cc line when there are no Cc recipients")
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestSendBasic_ExtrasAndAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := NewWithWriter(&buf)

	_, err := c.SendBasic(context.Background(), &provider.BasicPayload{
		From:       "sender@example.com",
		To:         "alice@example.com",
		Cc:         "carol@example.com",
		ReplyTo:    "reply@example.com",
		Subject:    "Monthly Report",
		HtmlBody:   strPtr("<p>HTML content</p>"),
		Tag:        "reports",
		TrackLinks: provider.LinkTrackingHTMLAndText,
		Headers:    []provider.Header{{Name: "X-Campaign", Value: "spring"}},
		Attachments: []provider.Attachment{
			{Name: "report.pdf", ContentType: "application/pdf", Content: base64.StdEncoding.EncodeToString(make([]byte, 1258291))},
			{Name: "summary.csv", ContentType: "text/csv", Content: base64.StdEncoding.EncodeToString(make([]byte, 46080))},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"Cc: carol@example.com",
		"Reply-To: reply@example.com",
		"Tag: reports",
		"Track-Links: HtmlAndText",
		"Header: X-Campaign: spring",
		"<p>HTML content</p>",
		"report.pdf (1.2 MB)",
		"summary.csv (45.0 KB)",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestSendTemplated(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := NewWithWriter(&buf)

	id := int64(12345)
	resp, err := c.SendTemplated(context.Background(), &provider.TemplatedPayload{
		From:          "sender@example.com",
		To:            "alice@example.com",
		TemplateID:    &id,
		TemplateModel: map[string]any{"userName": "John Doe"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != provider.StatusSuccess {
		t.Errorf("Status: got %v, want %v", resp.Status, provider.StatusSuccess)
	}

	output := buf.String()
	if !strings.Contains(output, "Template: 12345") {
		t.Error("output missing template id")
	}
	if !strings.Contains(output, `"userName": "John Doe"`) {
		t.Errorf("output missing model, got:\n%s", output)
	}
}

func TestSendTemplated_Alias(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := NewWithWriter(&buf)

	if _, err := c.SendTemplated(context.Background(), &provider.TemplatedPayload{To: "a@example.com", TemplateAlias: "welcome-email"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Template: welcome-email") {
		t.Error("output missing template alias")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestSend_WriteFailure(t *testing.T) {
	t.Parallel()

	c := NewWithWriter(failingWriter{})
	resp, err := c.SendBasic(context.Background(), &provider.BasicPayload{To: "a@example.com"})
	if err == nil {
		t.Fatal("expected error when the writer fails")
	}
	if resp != nil {
		t.Errorf("expected nil response, got %+v", resp)
	}
}

func TestNewFactory(t *testing.T) {
	t.Parallel()

	c := New()
	got, err := NewFactory(c).Build("ignored")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", got.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
