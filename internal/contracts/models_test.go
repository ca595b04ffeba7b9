package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelDefinition_TargetHorizon(t *testing.T) {
	tests := []struct {
		tag      string
		expected int
	}{
		{"return_5d", 5},
		{"return_20d", 20},
		{"return_1d", 1},
		{"simulated_return", 5}, // unparseable -> default
		{"", 5},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			m := ModelDefinition{TargetTag: tt.tag}
			assert.Equal(t, tt.expected, m.TargetHorizon())
		})
	}
}

func TestModelDefinition_Validate(t *testing.T) {
	valid := ModelDefinition{
		ModelID:    "m1",
		Family:     FamilyRandomForest,
		FactorList: []string{"momentum_5d", "volatility_20d"},
		TargetTag:  "return_5d",
		Training:   DefaultTrainingConfig(),
	}
	require.NoError(t, valid.Validate())

	t.Run("unknown family", func(t *testing.T) {
		m := valid
		m.Family = "deep_quantum"
		err := m.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownModelFamily)
	})

	t.Run("empty factor list", func(t *testing.T) {
		m := valid
		m.FactorList = nil
		assert.ErrorIs(t, m.Validate(), ErrConfig)
	})

	t.Run("bad test size", func(t *testing.T) {
		m := valid
		m.Training.TestSize = 1.0
		assert.ErrorIs(t, m.Validate(), ErrConfig)
	})

	t.Run("bad scaling method", func(t *testing.T) {
		m := valid
		m.Training.ScalingMethod = "minmax"
		assert.ErrorIs(t, m.Validate(), ErrConfig)
	})
}
