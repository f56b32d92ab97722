// Package memory learns per-agent outcome statistics and predicts how an
// agent will fare on a candidate task. Below a minimum sample count the
// predictor returns a fixed neutral prior so early assignments are not
// skewed by one or two data points.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/marcushq/marcus/board"
	"github.com/marcushq/marcus/internal/persist"
)

const (
	// minSamples is the sample count below which predictions fall back to
	// the neutral prior.
	defaultMinSamples = 5
	// priorSuccess is the success probability assumed for unseen agents.
	priorSuccess = 0.7
	// confidenceCeiling caps prediction confidence no matter the history.
	confidenceCeiling = 0.95
)

// Prediction estimates how an assignment will go.
type Prediction struct {
	SuccessProbability float64 `json:"success_probability"`
	ExpectedHours      float64 `json:"expected_hours"`
	Confidence         float64 `json:"confidence"`
	SampleCount        int     `json:"sample_count"`
}

// Learner records assignment outcomes and answers predictions from them.
type Learner struct {
	store      persist.Store
	logger     *slog.Logger
	minSamples int
}

// NewLearner creates a learner over the given store.
func NewLearner(store persist.Store, logger *slog.Logger, minSamples int) *Learner {
	if minSamples <= 0 {
		minSamples = defaultMinSamples
	}
	return &Learner{store: store, logger: logger, minSamples: minSamples}
}

// Record appends an outcome. Outcomes are immutable once stored.
func (l *Learner) Record(ctx context.Context, outcome board.Outcome) error {
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = time.Now()
	}
	key := fmt.Sprintf("%s-%s", outcome.AgentID, uuid.New().String())
	if err := l.store.Store(ctx, persist.CollectionOutcomes, key, outcome); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// History returns an agent's outcomes in recording order.
func (l *Learner) History(ctx context.Context, agentID string) ([]board.Outcome, error) {
	recs, err := l.store.Query(ctx, persist.CollectionOutcomes, func(rec persist.Record) bool {
		var row struct {
			AgentID string `json:"agent_id"`
		}
		return rec.Decode(&row) == nil && row.AgentID == agentID
	}, 0, 0)
	if err != nil {
		return nil, err
	}
	return persist.DecodeAll[board.Outcome](recs), nil
}

// Predict estimates the outcome of assigning the task to the agent. Outcomes
// whose labels overlap the task's weigh double, so label-specific history
// dominates when it exists.
func (l *Learner) Predict(ctx context.Context, agentID string, task *board.Task) (Prediction, error) {
	outcomes, err := l.History(ctx, agentID)
	if err != nil {
		return Prediction{}, err
	}

	if len(outcomes) < l.minSamples {
		return Prediction{
			SuccessProbability: priorSuccess,
			ExpectedHours:      task.EstimatedHours,
			Confidence:         0,
			SampleCount:        len(outcomes),
		}, nil
	}

	var weightSum, successSum, ratioSum, ratioWeight float64
	for _, o := range outcomes {
		weight := 1.0
		if len(lo.Intersect(o.Labels, task.Labels)) > 0 {
			weight = 2.0
		}
		weightSum += weight
		if o.Success {
			successSum += weight
		}
		if o.ActualHours > 0 && o.EstimatedHours > 0 {
			ratioSum += weight * (o.ActualHours / o.EstimatedHours)
			ratioWeight += weight
		}
	}

	pred := Prediction{
		SuccessProbability: successSum / weightSum,
		ExpectedHours:      task.EstimatedHours,
		Confidence:         min(confidenceCeiling, float64(len(outcomes))/20),
		SampleCount:        len(outcomes),
	}
	if ratioWeight > 0 && task.EstimatedHours > 0 {
		// Scale the estimate by the agent's historical overrun factor.
		pred.ExpectedHours = task.EstimatedHours * (ratioSum / ratioWeight)
	}
	return pred, nil
}

// SuccessRate returns the agent's raw success rate over all outcomes, used
// for profile display. Returns the prior when no history exists.
func (l *Learner) SuccessRate(ctx context.Context, agentID string) (float64, int, error) {
	outcomes, err := l.History(ctx, agentID)
	if err != nil {
		return 0, 0, err
	}
	if len(outcomes) == 0 {
		return priorSuccess, 0, nil
	}
	wins := lo.CountBy(outcomes, func(o board.Outcome) bool { return o.Success })
	return float64(wins) / float64(len(outcomes)), len(outcomes), nil
}
