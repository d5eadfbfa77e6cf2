package analysis

import (
	"errors"
	"fmt"

	apperrors "github.com/ZanzyTHEbar/strainwatch/internal/errors"
)

// ZEpsilon is added to every baseline std so a zero-variance baseline (for
// example one built from a single session) still yields a finite z-score.
// It is a numerical-stability guard, not a correction of the statistic.
const ZEpsilon = 1e-6

// Z standardizes value against a baseline mean and std.
func Z(value, mean, std float64) float64 {
	return (value - mean) / (std + ZEpsilon)
}

// EyeHealthModel maps a window's features onto a strain risk score using a
// personal baseline. The baseline is read-only for the model's lifetime.
type EyeHealthModel struct {
	baseline Baseline
}

// NewEyeHealthModel validates the baseline up front so scoring never meets a
// missing metric.
func NewEyeHealthModel(b Baseline) (*EyeHealthModel, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &EyeHealthModel{baseline: b}, nil
}

// Baseline returns the reference statistics the model was built with.
func (m *EyeHealthModel) Baseline() Baseline { return m.baseline }

// ComputeRisk returns -z_blink + z_incomplete + z_fixation. Reduced blinking
// is a strain marker, hence the negated blink term; the three terms carry
// equal weight. An undefined input fails the call instead of being imputed.
func (m *EyeHealthModel) ComputeRisk(fv FeatureVector) (ScoreResult, error) {
	blinkRate, err := definedMetric(fv.BlinkRate, MetricBlinkRate)
	if err != nil {
		return ScoreResult{}, err
	}
	incomplete, err := definedMetric(fv.IncompleteRatio, MetricIncompleteRatio)
	if err != nil {
		return ScoreResult{}, err
	}
	fixation, err := definedMetric(fv.FixationRatio, MetricFixationRatio)
	if err != nil {
		return ScoreResult{}, err
	}

	b := m.baseline
	zBlink := Z(blinkRate, b.BlinkRate.Mean, b.BlinkRate.Std)
	zIncomplete := Z(incomplete, b.IncompleteRatio.Mean, b.IncompleteRatio.Std)
	zFixation := Z(fixation, b.FixationRatio.Mean, b.FixationRatio.Std)

	return ScoreResult{
		Risk: -zBlink + zIncomplete + zFixation,
		Breakdown: Breakdown{
			ZBlink:      zBlink,
			ZIncomplete: zIncomplete,
			ZFixation:   zFixation,
		},
		Contributors: []Contributor{
			{Name: MetricBlinkRate, Contribution: -zBlink},
			{Name: MetricIncompleteRatio, Contribution: zIncomplete},
			{Name: MetricFixationRatio, Contribution: zFixation},
		},
	}, nil
}

// Score wraps ComputeRisk into a structured window outcome.
func (m *EyeHealthModel) Score(fv FeatureVector) WindowResult {
	result := WindowResult{Features: fv}

	score, err := m.ComputeRisk(fv)
	if err != nil {
		result.Outcome = outcomeFor(err)
		result.Reason = reasonFor(err)
		return result
	}

	result.Score = &score
	result.Outcome = OutcomeScored
	return result
}

func definedMetric(metric Metric, name string) (float64, error) {
	v, ok := metric.Get()
	if !ok {
		return 0, apperrors.NewInsufficientDataError(
			fmt.Sprintf("%s is undefined for this window", name),
			map[string]interface{}{"metric": name})
	}
	return v, nil
}

func outcomeFor(err error) Outcome {
	if errors.Is(err, apperrors.ErrMissingBaseline) {
		return OutcomeMissingBaseline
	}
	return OutcomeInsufficientData
}

func reasonFor(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.ErrBuilder.Msg
	}
	return err.Error()
}
