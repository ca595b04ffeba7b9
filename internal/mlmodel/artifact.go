package mlmodel

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
)

// Artifact is a fitted model with everything Predict needs: the
// regressor, the scaler statistics, and the exact feature column
// selection made at training time. It is gob-serialized to
// {modelDir}/{model_id}.gob.
type Artifact struct {
	ModelID         string
	Family          contracts.ModelFamily
	FactorList      []string
	SelectedIdx     []int    // column indices into FactorList, ascending
	SelectedFactors []string // FactorList[i] for i in SelectedIdx
	Scaler          *Scaler  // nil when scaling is "none"
	Model           Regressor
	Horizon         int
	TrainedAt       time.Time
}

func (a *Artifact) path(modelDir string) string {
	return filepath.Join(modelDir, a.ModelID+".gob")
}

func artifactPath(modelDir, modelID string) string {
	return filepath.Join(modelDir, modelID+".gob")
}

// saveArtifact writes the artifact atomically: to a temp file in the
// same directory, then rename.
func saveArtifact(modelDir string, a *Artifact) error {
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(modelDir, a.ModelID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(a); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact file: %w", err)
	}
	if err := os.Rename(tmp.Name(), a.path(modelDir)); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}
	return nil
}

// loadArtifact reads a persisted artifact, translating a missing file
// into ErrModelNotFound.
func loadArtifact(modelDir, modelID string) (*Artifact, error) {
	f, err := os.Open(artifactPath(modelDir, modelID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", contracts.ErrModelNotFound, modelID)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	var a Artifact
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", modelID, err)
	}
	return &a, nil
}

// removeArtifact deletes the artifact file; a missing file is not an
// error.
func removeArtifact(modelDir, modelID string) error {
	err := os.Remove(artifactPath(modelDir, modelID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}
