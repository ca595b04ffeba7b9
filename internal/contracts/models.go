package contracts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ModelFamily selects the regressor used by a prediction model. The set
// is closed; anything else is a configuration error.
type ModelFamily string

const (
	FamilyRandomForest     ModelFamily = "random_forest"
	FamilyExtraTrees       ModelFamily = "extra_trees"
	FamilyGradientBoosting ModelFamily = "gradient_boosting"
)

// ScalingMethod selects the feature scaler fitted on the training split.
type ScalingMethod string

const (
	ScalingNone     ScalingMethod = "none"
	ScalingStandard ScalingMethod = "standard"
	ScalingRobust   ScalingMethod = "robust"
)

// TrainingConfig controls dataset preparation and fitting.
type TrainingConfig struct {
	TestSize          float64       `json:"test_size"`           // chronological holdout fraction
	ScalingMethod     ScalingMethod `json:"scaling_method"`      // none|standard|robust
	FeatureSelectionK int           `json:"feature_selection_k"` // 0 = keep all
	CVFolds           int           `json:"cv_folds"`
	ValidationMethod  string        `json:"validation_method"` // "walk_forward" or ""
}

// DefaultTrainingConfig mirrors the defaults applied when a model is
// created without an explicit training configuration.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		TestSize:          0.2,
		ScalingMethod:     ScalingRobust,
		FeatureSelectionK: 20,
		CVFolds:           5,
		ValidationMethod:  "walk_forward",
	}
}

// ModelDefinition describes a prediction model. FactorList order defines
// the feature vector order and must not change after training.
type ModelDefinition struct {
	ModelID    string             `json:"model_id"`
	Name       string             `json:"model_name"`
	Family     ModelFamily        `json:"model_family"`
	FactorList []string           `json:"factor_list"`
	TargetTag  string             `json:"target_type"` // e.g. "return_5d"
	Params     map[string]float64 `json:"model_params"`
	Training   TrainingConfig     `json:"training_config"`
	IsActive   bool               `json:"is_active"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// TargetHorizon parses the forward-return horizon in trading sessions
// from the target tag ("return_5d" -> 5). Unparseable tags fall back to 5.
func (m *ModelDefinition) TargetHorizon() int {
	tag := strings.TrimPrefix(m.TargetTag, "return_")
	tag = strings.TrimSuffix(tag, "d")
	if n, err := strconv.Atoi(tag); err == nil && n > 0 {
		return n
	}
	return 5
}

// Validate checks that the definition is usable for training.
func (m *ModelDefinition) Validate() error {
	if m.ModelID == "" {
		return fmt.Errorf("%w: empty model_id", ErrConfig)
	}
	switch m.Family {
	case FamilyRandomForest, FamilyExtraTrees, FamilyGradientBoosting:
	default:
		return fmt.Errorf("%w: unknown model family %q", ErrUnknownModelFamily, m.Family)
	}
	if len(m.FactorList) == 0 {
		return fmt.Errorf("%w: empty factor_list", ErrConfig)
	}
	switch m.Training.ScalingMethod {
	case ScalingNone, ScalingStandard, ScalingRobust, "":
	default:
		return fmt.Errorf("%w: unknown scaling method %q", ErrConfig, m.Training.ScalingMethod)
	}
	if m.Training.TestSize < 0 || m.Training.TestSize >= 1 {
		return fmt.Errorf("%w: test_size must be in [0,1)", ErrConfig)
	}
	return nil
}

// Prediction is one per-symbol model output for a trade date.
type Prediction struct {
	TSCode           string    `json:"ts_code"`
	TradeDate        time.Time `json:"trade_date"`
	ModelID          string    `json:"model_id"`
	PredictedReturn  float64   `json:"predicted_return"`
	ProbabilityScore float64   `json:"probability_score"` // min-max normalized over the batch
	RankScore        int       `json:"rank_score"`        // dense rank, 1 = highest predicted return
}
