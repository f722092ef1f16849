package provider

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	providerTracer   = otel.Tracer("finlink/provider")
	providerMeter    = otel.Meter("finlink/provider")
	providerCalls, _ = providerMeter.Int64Counter("provider.calls.total",
		metric.WithDescription("Connector calls by operation and outcome"),
	)
	providerDuration, _ = providerMeter.Float64Histogram("provider.call.duration",
		metric.WithDescription("Connector call duration in seconds"),
		metric.WithUnit("s"),
	)
)

// Guard decorates a Connector so that every call runs under a bounded
// timeout, is traced, and returns only classified errors.
type Guard struct {
	next    Connector
	timeout time.Duration
}

var _ Connector = (*Guard)(nil)

func NewGuard(next Connector, timeout time.Duration) *Guard {
	return &Guard{next: next, timeout: timeout}
}

func (g *Guard) CreateLinkSession(ctx context.Context, userID int64) (*LinkToken, error) {
	var out *LinkToken
	err := g.call(ctx, "create_link_session", func(ctx context.Context) error {
		var err error
		out, err = g.next.CreateLinkSession(ctx, userID)
		return err
	})
	return out, err
}

func (g *Guard) ExchangePublicToken(ctx context.Context, token, publicCredential string) ([]Account, error) {
	var out []Account
	err := g.call(ctx, "exchange_public_token", func(ctx context.Context) error {
		var err error
		out, err = g.next.ExchangePublicToken(ctx, token, publicCredential)
		return err
	})
	return out, err
}

func (g *Guard) FetchBalance(ctx context.Context, ref string) (*Balance, error) {
	var out *Balance
	err := g.call(ctx, "fetch_balance", func(ctx context.Context) error {
		var err error
		out, err = g.next.FetchBalance(ctx, ref)
		return err
	})
	return out, err
}

func (g *Guard) FetchTransactions(ctx context.Context, ref string, since time.Time) ([]Transaction, error) {
	var out []Transaction
	err := g.call(ctx, "fetch_transactions", func(ctx context.Context) error {
		var err error
		out, err = g.next.FetchTransactions(ctx, ref, since)
		return err
	})
	return out, err
}

func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := providerTracer.Start(ctx, "provider."+op,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	classified := Classify(op, fn(ctx))

	outcome := "success"
	if classified != nil {
		outcome = string(classified.Kind)
		span.RecordError(classified)
		span.SetStatus(codes.Error, outcome)
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	providerCalls.Add(ctx, 1, attrs)
	providerDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if classified != nil {
		return classified
	}
	return nil
}
