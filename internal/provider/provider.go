// Package provider defines the contract between the dispatcher and the
// transactional email backends, along with the payloads they accept.
package provider

import (
	"context"
)

// Client is the interface that email delivery backends must implement.
// A non-nil error means the call itself failed (network, timeout, client
// fault); a provider-side refusal is reported through Response.Status.
type Client interface {
	// SendBasic delivers a message built from an explicit subject and body.
	SendBasic(ctx context.Context, payload *BasicPayload) (*Response, error)

	// SendTemplated delivers a message rendered from a provider-hosted template.
	SendTemplated(ctx context.Context, payload *TemplatedPayload) (*Response, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// Factory builds a Client for a given API key. Dispatchers build a fresh
// client for every message.
type Factory interface {
	Build(apiKey string) (Client, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(apiKey string) (Client, error)

// Build calls f(apiKey).
func (f FactoryFunc) Build(apiKey string) (Client, error) {
	return f(apiKey)
}

// Status is the provider's verdict on a send request.
type Status int

const (
	StatusUnknown Status = iota
	StatusSuccess
	StatusUserError
	StatusServerError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUserError:
		return "user_error"
	case StatusServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Response is the normalized result of a send request.
type Response struct {
	Status      Status
	Message     string
	MessageID   string
	ErrorCode   int
	SubmittedAt string
	To          string
}
