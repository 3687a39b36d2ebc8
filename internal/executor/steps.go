package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// StepResult is the outcome of one executed plan step.
type StepResult struct {
	Step    domain.PlannedStep
	Key     string
	Outcome domain.OperationOutcome
}

// StepKey is the idempotency key of step index i of a run.
func StepKey(runKey string, i int) string {
	return fmt.Sprintf("%s:%d", runKey, i)
}

// RunSteps executes steps strictly in order and stops at the first failed
// outcome. A step with FeedAmount takes the previous step's output value as
// its amount. The returned results hold every attempted step, in order. An
// error means the step could not be issued at all; the results before it
// are still returned.
func (d *Dispatcher) RunSteps(ctx context.Context, runKey string, steps []domain.PlannedStep) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		req := step.Request
		key := StepKey(runKey, i)
		if req.Op.IsWrite() {
			req.IdempotencyKey = key
		}

		if step.FeedAmount && i > 0 {
			prev := results[i-1].Outcome
			v, ok := prev.Value()
			if !ok || !v.IsPositive() {
				out := domain.FailedOutcome(req.Chain, req.Op,
					fmt.Sprintf("step %d (%s) reported no output amount", i, steps[i-1].Action))
				results = append(results, StepResult{Step: step, Key: key, Outcome: out})
				return results, nil
			}
			req = req.WithParam(domain.ParamAmount, v.Truncate(0).String())
		}

		out, err := d.Dispatch(ctx, req)
		if err != nil {
			return results, fmt.Errorf("executor: step %d (%s): %w", i, step.Action, err)
		}
		step.Request = req
		results = append(results, StepResult{Step: step, Key: key, Outcome: out})
		if !out.Success {
			d.logger.Warn("plan stopped at failed step",
				slog.String("run", runKey),
				slog.Int("step", i),
				slog.String("action", step.Action),
				slog.String("error", out.Message),
			)
			return results, nil
		}
	}
	return results, nil
}
