package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/postmark-relay/internal/email"
	"github.com/shineum/postmark-relay/internal/provider"
)

// Result describes an accepted message.
type Result struct {
	Kind        provider.Kind
	MessageID   string
	SubmittedAt string
	To          string
}

// Outcome pairs a Result with its error for the asynchronous forms.
type Outcome struct {
	Result *Result
	Err    error
}

// Dispatcher sends mail messages through clients obtained from a factory.
// It keeps no state between calls and is safe for concurrent use.
type Dispatcher struct {
	factory provider.Factory
	builder *Builder
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger falls back to slog.Default().
func NewDispatcher(factory provider.Factory, logger *slog.Logger) (*Dispatcher, error) {
	if factory == nil {
		return nil, errors.New("dispatch: provider factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		factory: factory,
		builder: NewBuilder(logger),
		logger:  logger,
	}, nil
}

// Send dispatches msg and blocks until the provider has answered.
func (d *Dispatcher) Send(ctx context.Context, msg *email.MailMessage, cfg Config) (*Result, error) {
	if msg == nil {
		err := &Error{Kind: ErrorKindValidation, Err: ErrNilMessage}
		d.logger.Error("failed to send email", "error", err)
		return nil, err
	}

	d.logger.Debug("preparing to send email", "to", msg.To)

	res, err := d.send(ctx, msg, cfg)
	if err != nil {
		d.logger.Error("failed to send email",
			"to", msg.To,
			"kind", kindName(err),
			"error", err,
		)
		return nil, err
	}

	d.logger.Info("email sent",
		"to", msg.To,
		"kind", res.Kind.String(),
		"message_id", res.MessageID,
	)
	return res, nil
}

// SendAsync runs Send on its own goroutine. The returned channel receives
// exactly one Outcome and is then closed.
func (d *Dispatcher) SendAsync(ctx context.Context, msg *email.MailMessage, cfg Config) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		res, err := d.Send(ctx, msg, cfg)
		out <- Outcome{Result: res, Err: err}
	}()
	return out
}

// SendBatch sends msgs with at most limit dispatches in flight. Outcomes are
// returned in input order; one failure does not stop the others. A limit
// below one means no bound.
func (d *Dispatcher) SendBatch(ctx context.Context, msgs []*email.MailMessage, cfg Config, limit int) []Outcome {
	outcomes := make([]Outcome, len(msgs))
	if len(msgs) == 0 {
		return outcomes
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, msg := range msgs {
		g.Go(func() error {
			res, err := d.Send(ctx, msg, cfg)
			outcomes[i] = Outcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (d *Dispatcher) send(ctx context.Context, msg *email.MailMessage, cfg Config) (*Result, error) {
	kind := Classify(msg)

	payload, err := d.builder.Build(ctx, msg, cfg)
	if err != nil {
		return nil, err
	}

	templated := kind == provider.KindTemplated
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrorKindTransport, Templated: templated, Err: err}
	}

	client, err := d.factory.Build(cfg.APIKey)
	if err != nil {
		return nil, &Error{
			Kind:      ErrorKindTransport,
			Templated: templated,
			Err:       fmt.Errorf("failed to create provider client: %w", err),
		}
	}

	var resp *provider.Response
	switch p := payload.(type) {
	case *provider.BasicPayload:
		resp, err = client.SendBasic(ctx, p)
	case *provider.TemplatedPayload:
		resp, err = client.SendTemplated(ctx, p)
	default:
		return nil, &Error{Kind: ErrorKindValidation, Err: fmt.Errorf("unsupported payload %T", payload)}
	}
	if err != nil {
		return nil, &Error{Kind: ErrorKindTransport, Templated: templated, Err: err}
	}
	if resp == nil {
		return nil, &Error{
			Kind:      ErrorKindTransport,
			Templated: templated,
			Err:       fmt.Errorf("%s returned no response", client.Name()),
		}
	}

	if resp.Status != provider.StatusSuccess {
		rejected := rejection(templated, resp)
		d.logger.Warn("provider rejected email",
			"provider", client.Name(),
			"status", resp.Status.String(),
			"error_code", resp.ErrorCode,
			"message", resp.Message,
		)
		return nil, rejected
	}

	return &Result{
		Kind:        kind,
		MessageID:   resp.MessageID,
		SubmittedAt: resp.SubmittedAt,
		To:          resp.To,
	}, nil
}

func kindName(err error) string {
	if k, ok := KindOf(err); ok {
		return k.String()
	}
	return "unknown"
}
