package dispatch

import (
	"errors"

	"github.com/shineum/postmark-relay/internal/provider"
)

// ErrorKind classifies dispatch failures.
type ErrorKind int

const (
	ErrorKindValidation ErrorKind = iota + 1
	ErrorKindModelExtraction
	ErrorKindAttachmentIO
	ErrorKindProviderRejection
	ErrorKindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindValidation:
		return "validation"
	case ErrorKindModelExtraction:
		return "model_extraction"
	case ErrorKindAttachmentIO:
		return "attachment_io"
	case ErrorKindProviderRejection:
		return "provider_rejection"
	case ErrorKindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

var (
	// ErrNilMessage indicates Send was called without a message.
	ErrNilMessage = errors.New("mail message is nil")

	// ErrNoRecipients indicates the message has no To address.
	ErrNoRecipients = errors.New("no destination address specified in the email")

	// ErrInvalidTemplate indicates a templated message whose template id is
	// not numeric and which carries no alias to fall back to.
	ErrInvalidTemplate = errors.New("template id is not numeric and no template alias is set")

	// ErrModelExtraction matches failures to decode the template model.
	ErrModelExtraction = errors.New("failed to deserialize template model from email body")

	// ErrAttachmentRead matches failures to read attachment content.
	ErrAttachmentRead = errors.New("failed to read attachment")

	// ErrProviderRejected matches non-success provider responses.
	ErrProviderRejected = errors.New("provider rejected the message")

	// ErrTransport matches failures of the provider call itself.
	ErrTransport = errors.New("provider call failed")
)

// Error is returned by every failing dispatch operation.
type Error struct {
	Kind ErrorKind

	// Templated reports whether the failure happened on the templated path.
	Templated bool

	// Status is the provider status for ErrorKindProviderRejection.
	Status provider.Status

	// Message is a human-readable description; for rejections it carries the
	// provider's own text.
	Message string

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == ErrorKindTransport && e.Err != nil:
		return e.Err.Error()
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " failure"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets the kind sentinels match through errors.Is.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrModelExtraction:
		return e.Kind == ErrorKindModelExtraction
	case ErrAttachmentRead:
		return e.Kind == ErrorKindAttachmentIO
	case ErrProviderRejected:
		return e.Kind == ErrorKindProviderRejection
	case ErrTransport:
		return e.Kind == ErrorKindTransport
	}
	return false
}

// Attempted reports whether the provider may have seen the message. It is
// false for failures raised before any network interaction.
func (e *Error) Attempted() bool {
	return e.Kind == ErrorKindProviderRejection || e.Kind == ErrorKindTransport
}

// KindOf returns the kind of a dispatch error anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

func rejection(templated bool, resp *provider.Response) *Error {
	prefix := "failed to send email"
	if templated {
		prefix = "failed to send templated email"
	}
	return &Error{
		Kind:      ErrorKindProviderRejection,
		Templated: templated,
		Status:    resp.Status,
		Message:   prefix + ": " + resp.Message,
	}
}
