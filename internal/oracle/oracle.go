// Package oracle holds the two external collaborators of health fusion: the
// physics simulation and the anomaly estimator, plus their reference
// implementations.
package oracle

import (
	"context"
	"fmt"
	"time"

	"adaptivx/internal/apperr"
	"adaptivx/internal/model"
)

type Simulation struct {
	VibExpected       float64 `json:"vib_rms_expected"`
	PowerLossExpected float64 `json:"power_loss_expected"`
	TempRiseExpected  float64 `json:"temperature_rise_expected"`
}

// PhysicsOracle maps operating conditions and wear to expected behaviour.
// Implementations are deterministic in their inputs and calibration.
type PhysicsOracle interface {
	Simulate(ctx context.Context, omega, load, wear float64) (Simulation, error)
	Version() string
}

// AnomalyEstimator returns an anomaly probability in [0,1] for a window.
type AnomalyEstimator interface {
	Score(ctx context.Context, window model.SensorWindow, cond model.OperatingConditions) (float64, error)
	Version() string
}

type timeoutOracle struct {
	inner PhysicsOracle
	d     time.Duration
}

// OracleWithTimeout bounds every Simulate call by d. A call that overruns
// fails with an upstream-unavailable error even if inner ignores ctx.
func OracleWithTimeout(inner PhysicsOracle, d time.Duration) PhysicsOracle {
	return &timeoutOracle{inner: inner, d: d}
}

func (o *timeoutOracle) Version() string { return o.inner.Version() }

func (o *timeoutOracle) Simulate(ctx context.Context, omega, load, wear float64) (Simulation, error) {
	return bounded(ctx, o.d, "oracle.simulate", func(ctx context.Context) (Simulation, error) {
		return o.inner.Simulate(ctx, omega, load, wear)
	})
}

type timeoutEstimator struct {
	inner AnomalyEstimator
	d     time.Duration
}

func EstimatorWithTimeout(inner AnomalyEstimator, d time.Duration) AnomalyEstimator {
	return &timeoutEstimator{inner: inner, d: d}
}

func (e *timeoutEstimator) Version() string { return e.inner.Version() }

func (e *timeoutEstimator) Score(ctx context.Context, window model.SensorWindow, cond model.OperatingConditions) (float64, error) {
	return bounded(ctx, e.d, "estimator.score", func(ctx context.Context) (float64, error) {
		return e.inner.Score(ctx, window, cond)
	})
}

func bounded[T any](ctx context.Context, d time.Duration, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		v, err := call(ctx)
		if err != nil {
			return zero, upstream(op, err)
		}
		return v, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(ctx)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return zero, upstream(op, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		return zero, apperr.Upstream(op, fmt.Errorf("no response within %s: %w", d, ctx.Err()))
	}
}

func upstream(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUndefined {
		return err
	}
	return apperr.Upstream(op, err)
}
