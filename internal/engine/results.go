package engine

import (
	"context"
	"time"

	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/metrics"
	"github.com/breachrange/collectors/internal/platform"
)

// Verdict is one finished evaluation, ready to be written back.
type Verdict struct {
	ExpectationID string
	Kind          platform.ExpectationKind
	Success       bool
	Result        string
	// Alert is set for positive verdicts and drives trace creation.
	Alert *AlertRef
	// Metadata is attached to the platform update (alert id and the like).
	Metadata map[string]string
}

// VerdictObserver receives every verdict after it has been written to the
// platform. Implementations must not block the write path; failures are
// logged, never propagated.
type VerdictObserver interface {
	ObserveVerdicts(ctx context.Context, verdicts []Verdict)
}

// PlatformWriter is the slice of the platform client the writer needs.
type PlatformWriter interface {
	UpdateExpectation(ctx context.Context, expectationID string, input platform.UpdateInput) error
	BulkUpdateExpectations(ctx context.Context, inputs map[string]platform.UpdateInput) error
	CreateTrace(ctx context.Context, trace platform.Trace) error
	BulkCreateTraces(ctx context.Context, traces []platform.Trace) error
}

// Writer persists verdicts to the platform. It tries one bulk call first and
// falls back to per-item calls when the bulk call fails; the cycle is an
// error only when every individual attempt also failed, so one poisoned
// record cannot block the rest of the batch.
type Writer struct {
	Platform    PlatformWriter
	CollectorID string
	Logger      *logging.Logger
	Observers   []VerdictObserver
	Now         func() time.Time
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// Write records every verdict on the platform, then creates traces for the
// positive ones and notifies observers. Partial trace failure never fails a
// cycle whose updates landed; total trace failure does, after observers have
// still been notified of the landed updates.
func (w *Writer) Write(ctx context.Context, verdicts []Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	if err := w.writeUpdates(ctx, verdicts); err != nil {
		return err
	}
	traceErr := w.writeTraces(ctx, verdicts)
	for _, obs := range w.Observers {
		obs.ObserveVerdicts(ctx, verdicts)
	}
	return traceErr
}

func (w *Writer) writeUpdates(ctx context.Context, verdicts []Verdict) error {
	inputs := make(map[string]platform.UpdateInput, len(verdicts))
	for _, v := range verdicts {
		inputs[v.ExpectationID] = platform.UpdateInput{
			CollectorID: w.CollectorID,
			Result:      v.Result,
			IsSuccess:   v.Success,
			Metadata:    v.Metadata,
		}
	}

	bulkErr := w.Platform.BulkUpdateExpectations(ctx, inputs)
	if bulkErr == nil {
		return nil
	}
	w.Logger.Warn("bulk expectation update failed, falling back to individual updates",
		"count", len(inputs), "error", bulkErr)
	metrics.UpdateFallbacks.Inc()

	var lastErr error
	succeeded := 0
	for id, input := range inputs {
		if err := w.Platform.UpdateExpectation(ctx, id, input); err != nil {
			w.Logger.Error("expectation update failed", "expectation_id", id, "error", err)
			lastErr = err
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return &BulkWriteError{Op: "update", Attempted: len(inputs), Err: lastErr}
	}
	if lastErr != nil {
		w.Logger.Warn("some expectation updates failed",
			"succeeded", succeeded, "failed", len(inputs)-succeeded)
	}
	return nil
}

func (w *Writer) writeTraces(ctx context.Context, verdicts []Verdict) error {
	var traces []platform.Trace
	for _, v := range verdicts {
		if !v.Success || v.Alert == nil {
			continue
		}
		date := v.Alert.Date
		if date.IsZero() {
			date = w.now()
		}
		traces = append(traces, platform.Trace{
			ExpectationID: v.ExpectationID,
			SourceID:      w.CollectorID,
			AlertName:     v.Alert.Name,
			AlertLink:     v.Alert.Link,
			Date:          date,
		})
	}
	if len(traces) == 0 {
		return nil
	}

	bulkErr := w.Platform.BulkCreateTraces(ctx, traces)
	if bulkErr == nil {
		metrics.TracesCreated.Add(float64(len(traces)))
		return nil
	}
	w.Logger.Warn("bulk trace creation failed, falling back to individual traces",
		"count", len(traces), "error", bulkErr)

	var lastErr error
	succeeded := 0
	for _, tr := range traces {
		if err := w.Platform.CreateTrace(ctx, tr); err != nil {
			w.Logger.Error("trace creation failed", "expectation_id", tr.ExpectationID, "error", err)
			lastErr = err
			continue
		}
		succeeded++
	}
	metrics.TracesCreated.Add(float64(succeeded))
	if succeeded == 0 {
		return &BulkWriteError{Op: "trace", Attempted: len(traces), Err: lastErr}
	}
	return nil
}
