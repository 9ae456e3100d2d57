// Package effects dispatches effect blocks (webhook sends, datastore
// writebacks, document triggers) to a preview or live sink.
package effects

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// RunInfo identifies the run an effect fires for.
type RunInfo struct {
	RunID      string
	WorkflowID string
	VersionID  string
}

// Map renders the run identity for `${{run.*}}` interpolation.
func (r RunInfo) Map() map[string]any {
	return map[string]any{"id": r.RunID, "workflow_id": r.WorkflowID, "version_id": r.VersionID}
}

// Delivery is one effect ready for a sink: the payload is already built.
type Delivery struct {
	Effect  schema.Effect
	Payload map[string]any
	Data    map[string]any
	Run     RunInfo
}

// DispatchResult is the outcome of one effect. Error is set on failure; the
// caller decides whether to enqueue a retry.
type DispatchResult struct {
	EffectID   string              `json:"effect_id"`
	Kind       schema.EffectKind   `json:"kind"`
	Sent       bool                `json:"sent"`
	Response   any                 `json:"response,omitempty"`
	Error      *schema.IntakeError `json:"error,omitempty"`
	Payload    map[string]any      `json:"payload"`
	Mode       schema.Mode         `json:"mode"`
	DurationMs int64               `json:"duration_ms"`
}

// EffectSink performs (or simulates) one delivery. Sinks return the response
// to record; a nil error with Sent=false means the delivery was simulated.
type EffectSink interface {
	Deliver(ctx context.Context, d Delivery) (response any, sent bool, err error)
}

// Dispatcher picks the sink for a run's mode.
type Dispatcher struct {
	preview EffectSink
	live    EffectSink
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil live sink makes live runs fall
// back to preview behavior with a warning.
func NewDispatcher(preview, live EffectSink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if preview == nil {
		preview = NewPreviewSink()
	}
	return &Dispatcher{preview: preview, live: live, logger: logger}
}

// Dispatch builds the effect payload from data and delivers it. It never
// panics and never returns an error: failures are reported in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, effect schema.Effect, data map[string]any, mode schema.Mode, run RunInfo) DispatchResult {
	start := time.Now()
	payload := BuildPayload(effect, data)
	res := DispatchResult{EffectID: effect.ID, Kind: effect.Kind, Payload: payload, Mode: mode}

	sink := d.preview
	if mode == schema.ModeLive {
		if d.live != nil {
			sink = d.live
		} else {
			d.logger.WarnContext(ctx, "no live sink configured, simulating effect", "effect_id", effect.ID)
		}
	}

	resp, sent, err := sink.Deliver(ctx, Delivery{Effect: effect, Payload: payload, Data: data, Run: run})
	res.Response = resp
	res.Sent = sent
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = asIntakeError(err).WithHook(effect.ID)
		d.logger.WarnContext(ctx, "effect dispatch failed", "effect_id", effect.ID, "kind", effect.Kind, "error", err)
	}
	return res
}

// BuildPayload maps answer-set keys onto target fields. Missing keys map to
// nil. A document effect without a mapping carries the whole answer set.
func BuildPayload(effect schema.Effect, data map[string]any) map[string]any {
	if effect.Kind == schema.EffectDocument && len(effect.Mapping) == 0 {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(effect.Mapping))
	for target, key := range effect.Mapping {
		out[target] = data[key]
	}
	return out
}

// ValidateEffect checks the parts of an effect a sink relies on.
func ValidateEffect(effect schema.Effect) error {
	switch effect.Kind {
	case schema.EffectSend, schema.EffectWriteback, schema.EffectDocument:
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "unknown effect kind %q", effect.Kind)
	}
	if effect.Destination == "" {
		return schema.NewError(schema.ErrCodeConfig, "effect has no destination")
	}
	if effect.Kind == schema.EffectWriteback && len(effect.Mapping) == 0 {
		return schema.NewError(schema.ErrCodeConfig, "writeback effect has no mapping")
	}
	for _, target := range effect.MappingTargets() {
		if target == "" {
			return schema.NewError(schema.ErrCodeConfig, "mapping has an empty target field")
		}
		if effect.Mapping[target] == "" {
			return schema.NewErrorf(schema.ErrCodeConfig, "mapping target %q has no source key", target)
		}
	}
	return nil
}

func asIntakeError(err error) *schema.IntakeError {
	var ie *schema.IntakeError
	if errors.As(err, &ie) {
		// Copied so tagging the result does not touch a shared error value.
		cp := *ie
		return &cp
	}
	return schema.NewError(schema.ErrCodeDispatch, err.Error()).WithCause(err)
}
