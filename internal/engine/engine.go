package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/metrics"
	"github.com/breachrange/collectors/internal/platform"
)

// ExpectationSource is the slice of the platform client the orchestrator
// reads from.
type ExpectationSource interface {
	ExpectationsForSource(ctx context.Context, collectorID string) ([]platform.Expectation, error)
}

// queryBuffer widens the alert query window around expectation timestamps so
// boundary alerts with slightly skewed clocks still land inside it.
const queryBuffer = 500 * time.Millisecond

// Orchestrator runs one correlation cycle at a time: pull pending
// expectations, fetch vendor alerts covering them, match, and write verdicts
// back.
type Orchestrator struct {
	Source      ExpectationSource
	Adapter     Adapter
	Matcher     *Matcher
	Writer      *Writer
	Logger      *logging.Logger
	CollectorID string

	// Kinds restricts which expectation kinds this collector answers.
	// Empty means both detection and prevention.
	Kinds []platform.ExpectationKind

	// Expiry bounds how long after creation an expectation can still be
	// answered positively.
	Expiry ExpirationPolicy

	// Retry governs the vendor fetch loop.
	Retry RetryPolicy

	// Lookback is the default query window when expectations carry no
	// usable timestamps.
	Lookback time.Duration

	// Now is overridable for tests.
	Now func() time.Time
}

type candidate struct {
	exp      *platform.Expectation
	search   []platform.Signature
	matching []platform.Signature
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) handlesKind(k platform.ExpectationKind) bool {
	if len(o.Kinds) == 0 {
		return true
	}
	for _, kind := range o.Kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Tick runs one full correlation cycle. Failures to reach the platform or to
// complete a write cycle fail the tick; per-expectation data errors and
// unparseable vendor records are logged and skipped so the rest of the batch
// proceeds.
func (o *Orchestrator) Tick(ctx context.Context) error {
	started := o.now()
	metrics.TicksTotal.Inc()
	log := o.Logger.With("tick_id", uuid.NewString(), "vendor", o.Adapter.Name())

	err := o.tick(ctx, log)
	metrics.TickDuration.Observe(o.now().Sub(started).Seconds())
	if err != nil {
		metrics.TickErrorsTotal.Inc()
		log.Error("tick failed", "error", err)
	}
	return err
}

func (o *Orchestrator) tick(ctx context.Context, log *logging.Logger) error {
	expectations, err := o.Source.ExpectationsForSource(ctx, o.CollectorID)
	if err != nil {
		return fmt.Errorf("fetch expectations: %w", err)
	}

	candidates := o.selectCandidates(expectations, log)
	if len(candidates) == 0 {
		log.Debug("no pending expectations")
		return nil
	}
	log.Info("processing expectations", "count", len(candidates))

	alerts, err := o.fetchAlerts(ctx, candidates, log)
	if err != nil {
		return err
	}

	verdicts := o.evaluate(ctx, candidates, alerts, log)
	if len(verdicts) == 0 {
		return nil
	}
	if err := o.Writer.Write(ctx, verdicts); err != nil {
		return fmt.Errorf("write verdicts: %w", err)
	}
	for _, v := range verdicts {
		metrics.ExpectationsProcessed.WithLabelValues(v.Result).Inc()
	}
	log.Info("tick complete", "verdicts", len(verdicts), "alerts", len(alerts))
	return nil
}

// selectCandidates drops expectations this collector cannot or need not
// answer: unsupported kinds, expectations it already filled, and expectations
// with malformed signatures.
func (o *Orchestrator) selectCandidates(expectations []platform.Expectation, log *logging.Logger) []candidate {
	supported := o.Adapter.SupportedTypes()
	var out []candidate
	for i := range expectations {
		exp := &expectations[i]
		if !o.handlesKind(exp.Kind) {
			continue
		}
		if exp.FilledBy(o.CollectorID) {
			continue
		}
		search, matching, err := SplitSignatures(exp, supported)
		if err != nil {
			log.Warn("skipping expectation with unusable signatures",
				"expectation_id", exp.ID, "error", err)
			continue
		}
		out = append(out, candidate{exp: exp, search: search, matching: matching})
	}
	return out
}

// fetchAlerts queries the vendor once for the whole batch, retrying on
// failure or emptiness. The window upper bound is re-stamped to the current
// time on every attempt so late-arriving alerts are not missed.
func (o *Orchestrator) fetchAlerts(ctx context.Context, candidates []candidate, log *logging.Logger) ([]NormalizedAlert, error) {
	start := o.windowStart(candidates)
	hints := o.hints(candidates)

	raws, err := WithRetry(ctx, o.Retry,
		func(attempt int) {
			metrics.FetchRetries.WithLabelValues(o.Adapter.Name()).Inc()
			log.Debug("retrying vendor fetch", "attempt", attempt)
		},
		func(ctx context.Context) ([]RawAlert, error) {
			window := Window{Start: start, End: o.now().Add(queryBuffer)}
			return o.Adapter.Fetch(ctx, window, hints)
		})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		attempts := o.Retry.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		return nil, &FetchError{Vendor: o.Adapter.Name(), Attempts: attempts, Err: err}
	}
	metrics.AlertsFetched.WithLabelValues(o.Adapter.Name()).Add(float64(len(raws)))

	alerts := make([]NormalizedAlert, 0, len(raws))
	for _, raw := range raws {
		alert, err := o.Adapter.Normalize(raw)
		if err != nil {
			metrics.NormalizeErrors.WithLabelValues(o.Adapter.Name()).Inc()
			log.Warn("skipping unparseable vendor record",
				"error", &ConversionError{Vendor: o.Adapter.Name(), Err: err})
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// windowStart derives the query lower bound from the batch: the earliest
// expectation timestamp (tracking window, date signature, or creation time),
// minus a clock-skew buffer, never later than now minus the default lookback.
func (o *Orchestrator) windowStart(candidates []candidate) time.Time {
	earliest := o.now().Add(-o.Lookback)
	for _, c := range candidates {
		stamps := []*time.Time{c.exp.TrackingSentAt}
		if !c.exp.CreatedAt.IsZero() {
			created := c.exp.CreatedAt
			stamps = append(stamps, &created)
		}
		for _, sig := range c.search {
			if sig.Type != platform.SigStartDate {
				continue
			}
			if ts, err := time.Parse(time.RFC3339, sig.Value); err == nil {
				stamps = append(stamps, &ts)
			}
		}
		for _, ts := range stamps {
			if ts != nil && ts.Before(earliest) {
				earliest = *ts
			}
		}
	}
	return earliest.Add(-queryBuffer)
}

// hints collects query-narrowing values from the batch's search signatures.
func (o *Orchestrator) hints(candidates []candidate) Hints {
	var processes, hostnames []string
	for _, c := range candidates {
		for _, sig := range c.search {
			switch sig.Type {
			case platform.SigProcessName, platform.SigParentProcessName:
				processes = append(processes, sig.Value)
			case platform.SigHostname:
				hostnames = append(hostnames, sig.Value)
			}
		}
	}
	return Hints{
		ProcessNames: DedupeStrings(processes),
		Hostnames:    DedupeStrings(hostnames),
	}
}

// evaluate produces exactly one verdict per candidate: expired expectations
// get the terminal negative verdict without matching, the rest are matched
// against the alert batch. Matcher failures (asset lookup, unknown types)
// skip the expectation so it is retried next tick.
func (o *Orchestrator) evaluate(ctx context.Context, candidates []candidate, alerts []NormalizedAlert, log *logging.Logger) []Verdict {
	now := o.now()
	verdicts := make([]Verdict, 0, len(candidates))
	for _, c := range candidates {
		if o.Expiry.Expired(c.exp, now) {
			metrics.ExpectationsExpired.Inc()
			log.Info("expectation expired", "expectation_id", c.exp.ID, "kind", c.exp.Kind)
			verdicts = append(verdicts, Verdict{
				ExpectationID: c.exp.ID,
				Kind:          c.exp.Kind,
				Success:       false,
				Result:        c.exp.Kind.NegativeResult(),
			})
			continue
		}

		res, err := o.Matcher.Match(ctx, c.exp, c.matching, alerts)
		if err != nil {
			log.Warn("match failed, expectation deferred",
				"expectation_id", c.exp.ID, "error", err)
			continue
		}

		v := Verdict{
			ExpectationID: c.exp.ID,
			Kind:          c.exp.Kind,
			Success:       res.Matched,
			Result:        c.exp.Kind.NegativeResult(),
		}
		if res.Matched {
			v.Result = c.exp.Kind.PositiveResult()
			alert := res.Alert
			v.Alert = &alert
			if alert.ID != "" {
				v.Metadata = map[string]string{"alertId": alert.ID}
			}
		}
		verdicts = append(verdicts, v)
	}
	return verdicts
}
