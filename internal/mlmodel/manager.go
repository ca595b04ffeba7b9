package mlmodel

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/pkg/logger"
)

// Manager owns the model lifecycle: definition storage, training,
// artifact persistence, prediction, and evaluation. Fitted artifacts
// live in an in-memory registry guarded by a RWMutex; Train swaps the
// entry atomically only after the new artifact is persisted, so
// concurrent Predict calls always see either the old or the new fit,
// never a partial one.
type Manager struct {
	modelRepo  contracts.ModelRepository
	factorRepo contracts.FactorRepository
	prices     contracts.PriceRepository
	predRepo   contracts.PredictionRepository

	modelDir     string
	trainTimeout time.Duration

	mu       sync.RWMutex
	registry map[string]*Artifact

	logger *logger.Logger
}

func NewManager(
	modelRepo contracts.ModelRepository,
	factorRepo contracts.FactorRepository,
	prices contracts.PriceRepository,
	predRepo contracts.PredictionRepository,
	modelDir string,
	trainTimeout time.Duration,
	log *logger.Logger,
) *Manager {
	return &Manager{
		modelRepo:    modelRepo,
		factorRepo:   factorRepo,
		prices:       prices,
		predRepo:     predRepo,
		modelDir:     modelDir,
		trainTimeout: trainTimeout,
		registry:     make(map[string]*Artifact),
		logger:       log,
	}
}

// CreateModel validates and stores a model definition. Zero-valued
// training settings are filled with defaults.
func (m *Manager) CreateModel(ctx context.Context, def contracts.ModelDefinition) error {
	if def.Training == (contracts.TrainingConfig{}) {
		def.Training = contracts.DefaultTrainingConfig()
	}
	if def.Training.ScalingMethod == "" {
		def.Training.ScalingMethod = contracts.ScalingRobust
	}
	if err := def.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	def.IsActive = true
	if err := m.modelRepo.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save model definition: %w", err)
	}
	m.logger.WithFields(map[string]interface{}{
		"model_id": def.ModelID,
		"family":   string(def.Family),
		"factors":  len(def.FactorList),
	}).Info("Model created")
	return nil
}

// ListModels returns stored model definitions.
func (m *Manager) ListModels(ctx context.Context, onlyActive bool) ([]contracts.ModelDefinition, error) {
	return m.modelRepo.ListDefinitions(ctx, onlyActive)
}

// TrainResult summarizes a completed training run.
type TrainResult struct {
	ModelID          string                  `json:"model_id"`
	TrainSamples     int                     `json:"train_samples"`
	TestSamples      int                     `json:"test_samples"`
	SyntheticTargets int                     `json:"synthetic_targets"`
	TrainR2          float64                 `json:"train_r2"`
	TestR2           float64                 `json:"test_r2"`
	TrainMSE         float64                 `json:"train_mse"`
	TestMSE          float64                 `json:"test_mse"`
	TrainMAE         float64                 `json:"train_mae"`
	TestMAE          float64                 `json:"test_mae"`
	CVMeanR2         float64                 `json:"cv_mean_r2"`
	CVStdR2          float64                 `json:"cv_std_r2"`
	Importances      map[string]float64      `json:"feature_importances"`
	SelectedFactors  []string                `json:"selected_factors"`
	TrainedAt        time.Time               `json:"trained_at"`
	Degradations     []contracts.Degradation `json:"degradations,omitempty"`
}

// Train fits the model over a historical window and registers the new
// artifact. The holdout is the trailing TestSize fraction in time order;
// scaler and feature selection are fitted on the training split only.
func (m *Manager) Train(ctx context.Context, modelID string, start, end time.Time) (*TrainResult, error) {
	if m.trainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.trainTimeout)
		defer cancel()
	}

	def, err := m.modelRepo.GetDefinition(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	ds, err := m.prepareDataset(ctx, def, start, end)
	if err != nil {
		return nil, err
	}

	trainEnd := chronologicalSplit(len(ds.X), def.Training.TestSize)
	trainX, testX := ds.X[:trainEnd], ds.X[trainEnd:]
	trainY, testY := ds.Y[:trainEnd], ds.Y[trainEnd:]

	scaler := newScaler(def.Training.ScalingMethod)
	if scaler != nil {
		scaler.Fit(trainX)
		trainX = scaler.Transform(trainX)
		testX = scaler.Transform(testX)
	}

	kept := selectKBest(trainX, trainY, def.Training.FeatureSelectionK)
	trainX = projectColumns(trainX, kept)
	testX = projectColumns(testX, kept)
	selected := make([]string, len(kept))
	for i, idx := range kept {
		selected[i] = def.FactorList[idx]
	}

	model, err := newRegressor(def.Family, def.Params)
	if err != nil {
		return nil, err
	}
	model.Fit(trainX, trainY)

	result := &TrainResult{
		ModelID:          modelID,
		TrainSamples:     len(trainX),
		TestSamples:      len(testX),
		SyntheticTargets: ds.SyntheticCount,
		SelectedFactors:  selected,
		TrainedAt:        time.Now(),
		Degradations:     ds.Degradations,
	}
	result.TrainR2, result.TrainMSE, result.TrainMAE = regressionMetrics(model, trainX, trainY)
	if len(testX) > 0 {
		result.TestR2, result.TestMSE, result.TestMAE = regressionMetrics(model, testX, testY)
	}

	result.Importances = make(map[string]float64, len(selected))
	for i, imp := range model.FeatureImportances() {
		if i < len(selected) {
			result.Importances[selected[i]] = imp
		}
	}

	if def.Training.ValidationMethod == "walk_forward" && def.Training.CVFolds > 1 {
		fullX := projectColumns(scaledAll(scaler, ds.X), kept)
		result.CVMeanR2, result.CVStdR2 = m.walkForwardCV(def, fullX, ds.Y, def.Training.CVFolds)
	}

	artifact := &Artifact{
		ModelID:         modelID,
		Family:          def.Family,
		FactorList:      def.FactorList,
		SelectedIdx:     kept,
		SelectedFactors: selected,
		Scaler:          scaler,
		Model:           model,
		Horizon:         def.TargetHorizon(),
		TrainedAt:       result.TrainedAt,
	}
	if err := saveArtifact(m.modelDir, artifact); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.registry[modelID] = artifact
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"model_id": modelID,
		"train":    result.TrainSamples,
		"test":     result.TestSamples,
		"test_r2":  result.TestR2,
	}).Info("Model training completed")
	return result, nil
}

// walkForwardCV scores the model on expanding-window folds: each fold
// trains on everything before the validation block and validates on the
// block itself, so no fold ever sees future rows.
func (m *Manager) walkForwardCV(def *contracts.ModelDefinition, X [][]float64, y []float64, folds int) (float64, float64) {
	n := len(X)
	blockSize := n / (folds + 1)
	if blockSize < 2 {
		return 0, 0
	}

	scores := make([]float64, 0, folds)
	for fold := 1; fold <= folds; fold++ {
		trainEnd := fold * blockSize
		valEnd := trainEnd + blockSize
		if fold == folds {
			valEnd = n
		}
		if valEnd <= trainEnd {
			continue
		}
		model, err := newRegressor(def.Family, def.Params)
		if err != nil {
			return 0, 0
		}
		model.Fit(X[:trainEnd], y[:trainEnd])
		r2, _, _ := regressionMetrics(model, X[trainEnd:valEnd], y[trainEnd:valEnd])
		scores = append(scores, r2)
	}
	if len(scores) == 0 {
		return 0, 0
	}

	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	if len(scores) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, s := range scores {
		d := s - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(scores)-1))
}

// PredictResult carries one batch of per-symbol predictions.
type PredictResult struct {
	ModelID      string                  `json:"model_id"`
	TradeDate    time.Time               `json:"trade_date"`
	Predictions  []contracts.Prediction  `json:"predictions"`
	Degradations []contracts.Degradation `json:"degradations,omitempty"`
}

// Predict scores symbols with a fitted model. Factor values are taken
// from the requested date; if that date has none, the latest stored date
// substitutes with a flagged degradation. Symbols missing individual
// factor values get zeros for those columns.
func (m *Manager) Predict(ctx context.Context, modelID string, date time.Time, codes []string) (*PredictResult, error) {
	artifact, err := m.artifact(modelID)
	if err != nil {
		return nil, err
	}

	result := &PredictResult{ModelID: modelID, TradeDate: date}

	values, err := m.factorRepo.GetByDate(ctx, date, artifact.FactorList, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load factor values: %w", err)
	}
	if len(values) == 0 {
		latest, err := m.factorRepo.LatestDate(ctx, artifact.FactorList)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve latest factor date: %w", err)
		}
		if latest.IsZero() {
			return nil, fmt.Errorf("%w: no factor values for model %s", contracts.ErrNoData, modelID)
		}
		values, err = m.factorRepo.GetByDate(ctx, latest, artifact.FactorList, codes)
		if err != nil {
			return nil, fmt.Errorf("failed to load factor values: %w", err)
		}
		result.Degradations = append(result.Degradations, contracts.Degradation{
			Code:   "latest_date_substitute",
			Detail: fmt.Sprintf("no factor values on %s, using %s", date.Format("2006-01-02"), latest.Format("2006-01-02")),
		})
		m.logger.WithFields(map[string]interface{}{
			"model_id":  modelID,
			"requested": date.Format("2006-01-02"),
			"used":      latest.Format("2006-01-02"),
		}).Warn("Predicting with latest available factor date")
	}
	if len(values) == 0 {
		return result, nil
	}

	colIdx := make(map[string]int, len(artifact.FactorList))
	for i, id := range artifact.FactorList {
		colIdx[id] = i
	}
	rows := make(map[string][]float64)
	for _, v := range values {
		ci, ok := colIdx[v.FactorID]
		if !ok {
			continue
		}
		row, ok := rows[v.TSCode]
		if !ok {
			row = make([]float64, len(artifact.FactorList))
			rows[v.TSCode] = row
		}
		row[ci] = v.Value
	}

	rowCodes := make([]string, 0, len(rows))
	for code := range rows {
		rowCodes = append(rowCodes, code)
	}
	sort.Strings(rowCodes)

	preds := make([]contracts.Prediction, 0, len(rowCodes))
	for _, code := range rowCodes {
		row := rows[code]
		if artifact.Scaler != nil {
			row = artifact.Scaler.TransformRow(row)
		}
		row = projectRow(row, artifact.SelectedIdx)
		preds = append(preds, contracts.Prediction{
			TSCode:          code,
			TradeDate:       date,
			ModelID:         modelID,
			PredictedReturn: artifact.Model.Predict(row),
		})
	}
	attachProbabilityAndRank(preds)
	result.Predictions = preds
	return result, nil
}

// SavePredictions persists a prediction batch, replacing any prior batch
// for the same model and date.
func (m *Manager) SavePredictions(ctx context.Context, preds []contracts.Prediction) error {
	if len(preds) == 0 {
		return nil
	}
	if err := m.predRepo.Save(ctx, preds); err != nil {
		return fmt.Errorf("failed to save predictions: %w", err)
	}
	return nil
}

// EvalResult measures stored predictions against realized forward
// returns.
type EvalResult struct {
	ModelID          string    `json:"model_id"`
	Samples          int       `json:"samples"`
	Correlation      float64   `json:"correlation"`
	R2               float64   `json:"r2"`
	MSE              float64   `json:"mse"`
	MAE              float64   `json:"mae"`
	QuintileReturns  []float64 `json:"quintile_returns"` // mean realized return, Q1 (lowest predicted) .. Q5
	InformationRatio float64   `json:"information_ratio"`
}

// Evaluate joins stored predictions with realized forward returns over
// the window. Only predictions whose horizon has fully elapsed enter the
// metrics; the rest are dropped.
func (m *Manager) Evaluate(ctx context.Context, modelID string, start, end time.Time) (*EvalResult, error) {
	def, err := m.modelRepo.GetDefinition(ctx, modelID)
	if err != nil {
		return nil, err
	}
	horizon := def.TargetHorizon()

	preds, err := m.predRepo.GetByModelAndDateRange(ctx, modelID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load predictions: %w", err)
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("%w: no predictions for model %s in range", contracts.ErrNoData, modelID)
	}

	type pair struct {
		date      time.Time
		predicted float64
		actual    float64
	}
	pairs := make([]pair, 0, len(preds))
	barCache := make(map[string][]contracts.Bar)
	for _, p := range preds {
		bars, ok := barCache[p.TSCode]
		if !ok {
			bars, err = m.prices.GetByCodeAndDateRange(ctx, p.TSCode, time.Time{}, maxDate())
			if err != nil {
				m.logger.WithFields(map[string]interface{}{
					"code":  p.TSCode,
					"error": err.Error(),
				}).Warn("Failed to load prices for evaluation")
				bars = nil
			}
			barCache[p.TSCode] = bars
		}
		idx := -1
		for i, b := range bars {
			if b.TradeDate.Equal(p.TradeDate) {
				idx = i
				break
			}
		}
		if idx < 0 || idx+horizon >= len(bars) || bars[idx].Close <= 0 {
			continue
		}
		pairs = append(pairs, pair{
			date:      p.TradeDate,
			predicted: p.PredictedReturn,
			actual:    bars[idx+horizon].Close/bars[idx].Close - 1,
		})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no realized returns to evaluate model %s", contracts.ErrNoData, modelID)
	}

	predicted := make([]float64, len(pairs))
	actual := make([]float64, len(pairs))
	for i, p := range pairs {
		predicted[i] = p.predicted
		actual[i] = p.actual
	}

	result := &EvalResult{
		ModelID:     modelID,
		Samples:     len(pairs),
		Correlation: pearson(predicted, actual),
	}
	result.R2 = rSquared(actual, predicted)
	for i := range pairs {
		d := actual[i] - predicted[i]
		result.MSE += d * d
		result.MAE += math.Abs(d)
	}
	result.MSE /= float64(len(pairs))
	result.MAE /= float64(len(pairs))

	// Quintile means in ascending predicted order.
	order := make([]int, len(pairs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return predicted[order[a]] < predicted[order[b]] })
	result.QuintileReturns = make([]float64, 5)
	counts := make([]int, 5)
	for pos, i := range order {
		q := pos * 5 / len(order)
		if q > 4 {
			q = 4
		}
		result.QuintileReturns[q] += actual[i]
		counts[q]++
	}
	for q := range result.QuintileReturns {
		if counts[q] > 0 {
			result.QuintileReturns[q] /= float64(counts[q])
		}
	}

	// Information ratio over daily mean realized returns.
	byDate := make(map[time.Time][]float64)
	for _, p := range pairs {
		byDate[p.date] = append(byDate[p.date], p.actual)
	}
	dailyMeans := make([]float64, 0, len(byDate))
	for _, rs := range byDate {
		sum := 0.0
		for _, r := range rs {
			sum += r
		}
		dailyMeans = append(dailyMeans, sum/float64(len(rs)))
	}
	if len(dailyMeans) >= 2 {
		mean := 0.0
		for _, v := range dailyMeans {
			mean += v
		}
		mean /= float64(len(dailyMeans))
		ss := 0.0
		for _, v := range dailyMeans {
			d := v - mean
			ss += d * d
		}
		std := math.Sqrt(ss / float64(len(dailyMeans)-1))
		if std > 0 {
			result.InformationRatio = mean / std
		}
	}
	return result, nil
}

// DeleteModel removes the definition, stored predictions, the persisted
// artifact, and the registry entry.
func (m *Manager) DeleteModel(ctx context.Context, modelID string) error {
	if err := m.modelRepo.DeleteDefinition(ctx, modelID); err != nil {
		return err
	}
	if err := m.predRepo.DeleteByModel(ctx, modelID); err != nil {
		return fmt.Errorf("failed to delete predictions: %w", err)
	}
	if err := removeArtifact(m.modelDir, modelID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.registry, modelID)
	m.mu.Unlock()

	m.logger.WithField("model_id", modelID).Info("Model deleted")
	return nil
}

// artifact returns the fitted artifact from the registry, lazily loading
// from disk on a cold start.
func (m *Manager) artifact(modelID string) (*Artifact, error) {
	m.mu.RLock()
	a, ok := m.registry[modelID]
	m.mu.RUnlock()
	if ok {
		return a, nil
	}

	a, err := loadArtifact(m.modelDir, modelID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if existing, ok := m.registry[modelID]; ok {
		a = existing
	} else {
		m.registry[modelID] = a
	}
	m.mu.Unlock()
	return a, nil
}

// attachProbabilityAndRank fills ProbabilityScore (min-max over the
// batch, 0.5 for a singleton) and RankScore (dense, 1 = highest
// predicted return).
func attachProbabilityAndRank(preds []contracts.Prediction) {
	if len(preds) == 0 {
		return
	}
	lo, hi := preds[0].PredictedReturn, preds[0].PredictedReturn
	for _, p := range preds[1:] {
		if p.PredictedReturn < lo {
			lo = p.PredictedReturn
		}
		if p.PredictedReturn > hi {
			hi = p.PredictedReturn
		}
	}
	for i := range preds {
		if hi > lo {
			preds[i].ProbabilityScore = (preds[i].PredictedReturn - lo) / (hi - lo)
		} else {
			preds[i].ProbabilityScore = 0.5
		}
	}

	order := make([]int, len(preds))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return preds[order[a]].PredictedReturn > preds[order[b]].PredictedReturn
	})
	rank := 0
	var prev float64
	for pos, i := range order {
		if pos == 0 || preds[i].PredictedReturn != prev {
			rank++
			prev = preds[i].PredictedReturn
		}
		preds[i].RankScore = rank
	}
}

func regressionMetrics(model Regressor, X [][]float64, y []float64) (r2, mse, mae float64) {
	if len(X) == 0 {
		return 0, 0, 0
	}
	predicted := make([]float64, len(X))
	for i, row := range X {
		predicted[i] = model.Predict(row)
	}
	for i := range y {
		d := y[i] - predicted[i]
		mse += d * d
		mae += math.Abs(d)
	}
	mse /= float64(len(y))
	mae /= float64(len(y))
	return rSquared(y, predicted), mse, mae
}

// rSquared is the coefficient of determination of predictions against
// observed values. A constant observed series scores 0.
func rSquared(observed, predicted []float64) float64 {
	n := float64(len(observed))
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range observed {
		mean += v
	}
	mean /= n
	var ssRes, ssTot float64
	for i := range observed {
		ssRes += (observed[i] - predicted[i]) * (observed[i] - predicted[i])
		ssTot += (observed[i] - mean) * (observed[i] - mean)
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

func projectColumns(X [][]float64, kept []int) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = projectRow(row, kept)
	}
	return out
}

func projectRow(row []float64, kept []int) []float64 {
	out := make([]float64, len(kept))
	for i, idx := range kept {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out
}

func scaledAll(s *Scaler, X [][]float64) [][]float64 {
	if s == nil {
		return X
	}
	return s.Transform(X)
}
