package effects

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/httpclient"
	"github.com/rendis/intake/pkg/schema"
)

// LiveSink performs real deliveries. Each destination has its own circuit.
type LiveSink struct {
	client    *httpclient.Client
	interp    *expressions.Interpolator
	datastore Datastore
	documents DocumentTrigger
	breakers  *Breakers
	logger    *slog.Logger
	now       func() time.Time
}

// LiveSinkConfig holds the collaborators of a LiveSink. Datastore and
// Documents may be nil; effects of that kind then fail with CONFIG_ERROR.
type LiveSinkConfig struct {
	Client       *httpclient.Client
	Interpolator *expressions.Interpolator
	Datastore    Datastore
	Documents    DocumentTrigger
	Breakers     *Breakers
	Logger       *slog.Logger
}

// NewLiveSink creates a LiveSink.
func NewLiveSink(cfg LiveSinkConfig) *LiveSink {
	if cfg.Client == nil {
		cfg.Client = httpclient.New(httpclient.Config{})
	}
	if cfg.Interpolator == nil {
		cfg.Interpolator = expressions.NewInterpolator(nil)
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakers(DefaultBreakerConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LiveSink{
		client:    cfg.Client,
		interp:    cfg.Interpolator,
		datastore: cfg.Datastore,
		documents: cfg.Documents,
		breakers:  cfg.Breakers,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *LiveSink) Deliver(ctx context.Context, d Delivery) (any, bool, error) {
	if err := ValidateEffect(d.Effect); err != nil {
		return nil, false, err
	}
	if d.Effect.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.Effect.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	switch d.Effect.Kind {
	case schema.EffectSend:
		return s.send(ctx, d)
	case schema.EffectWriteback:
		return s.guarded("datastore:"+d.Effect.Destination, func() (any, error) {
			if s.datastore == nil {
				return nil, schema.NewError(schema.ErrCodeConfig, "no datastore configured for writebacks")
			}
			id, err := s.datastore.CreateRow(ctx, d.Effect.Destination, d.Payload)
			if err != nil {
				return nil, err
			}
			return map[string]any{"row_id": id, "table_id": d.Effect.Destination}, nil
		})
	default:
		return s.guarded("documents:"+d.Effect.Destination, func() (any, error) {
			if s.documents == nil {
				return nil, schema.NewError(schema.ErrCodeConfig, "no document trigger configured")
			}
			ref, err := s.documents.Trigger(ctx, DocumentRequest{
				RunID:       d.Run.RunID,
				WorkflowID:  d.Run.WorkflowID,
				TemplateID:  d.Effect.Destination,
				Answers:     d.Payload,
				RequestedAt: s.now(),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"ref": ref, "template_id": d.Effect.Destination}, nil
		})
	}
}

func (s *LiveSink) send(ctx context.Context, d Delivery) (any, bool, error) {
	scope := &expressions.Scope{Answers: d.Data, Run: d.Run.Map()}
	target, err := s.interp.Resolve(ctx, d.Effect.Destination, scope)
	if err != nil {
		return nil, false, err
	}
	headers, err := s.interp.ResolveMap(ctx, d.Effect.Headers, scope)
	if err != nil {
		return nil, false, err
	}
	if err := s.client.Validate(target); err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeConfig, "send destination: %v", err).WithCause(err)
	}
	u, _ := url.Parse(target)

	return s.guarded("webhook:"+u.Host, func() (any, error) {
		resp, err := s.client.Do(ctx, httpclient.Request{
			Method:  "POST",
			URL:     target,
			Headers: headers,
			Body:    d.Payload,
		})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return resp.ToMap(), schema.NewErrorf(schema.ErrCodeDispatch, "destination returned %s", resp.Status).
				WithDetails(map[string]any{"status_code": resp.StatusCode})
		}
		return resp.ToMap(), nil
	})
}

// guarded runs call behind the destination's circuit. Only retryable
// failures count against the circuit.
func (s *LiveSink) guarded(destination string, call func() (any, error)) (any, bool, error) {
	if err := s.breakers.Allow(destination); err != nil {
		return nil, false, err
	}
	resp, err := call()
	if err != nil {
		if schema.IsRetryable(err) {
			s.breakers.Failure(destination)
		}
		return resp, false, err
	}
	s.breakers.Success(destination)
	return resp, true, nil
}
