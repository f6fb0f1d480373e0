package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/dbchat/internal/llm"
	"github.com/jkaninda/dbchat/internal/querychain"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	model   string
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability.
// The model is a metric label only; the inner provider decides what to send.
func NewInstrumentedProvider(inner llm.Provider, model string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		model:   model,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", p.model),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, p.model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, p.model).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// --- InstrumentedChain ---

// InstrumentedChain wraps a querychain.Chain with metrics and tracing.
// Failed questions are labeled with the chain stage that produced the
// error so generation failures are distinguishable from execution ones.
type InstrumentedChain struct {
	inner   querychain.Chain
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedChain wraps a query chain with observability.
func NewInstrumentedChain(inner querychain.Chain, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedChain {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedChain{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (c *InstrumentedChain) Ask(ctx context.Context, question string) (*querychain.Result, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "querychain.ask")
		defer span.End()
	}

	start := time.Now()
	res, err := c.inner.Ask(ctx, question)
	duration := time.Since(start).Seconds()

	status := "success"
	stage := ""
	if err != nil {
		status = "error"
		var qerr *querychain.QueryError
		if errors.As(err, &qerr) {
			stage = qerr.Stage
		}
		if c.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if res != nil && res.Cached {
		status = "cached"
	}

	if c.metrics != nil {
		c.metrics.QueriesTotal.WithLabelValues(status, stage).Inc()
		c.metrics.QueryDuration.WithLabelValues(status).Observe(duration)
		if err == nil && res != nil && !res.Cached {
			c.metrics.QueryRows.Observe(float64(len(res.Rows)))
		}
	}

	return res, err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider     = (*InstrumentedProvider)(nil)
	_ querychain.Chain = (*InstrumentedChain)(nil)
)
