package scheduler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobHistory_CapEvictsOldest(t *testing.T) {
	h := &JobHistory{}
	for i := 0; i < historyCap+25; i++ {
		h.AddResult(JobResult{JobName: "factor_refresh", Error: fmt.Sprintf("run %d", i)})
	}

	require.Len(t, h.Results, historyCap)
	assert.Equal(t, fmt.Sprintf("run %d", 25), h.Results[0].Error, "oldest retained run")
	assert.Equal(t, fmt.Sprintf("run %d", historyCap+24), h.Results[historyCap-1].Error)
}

func TestJobHistory_LatestResults(t *testing.T) {
	h := &JobHistory{}
	h.AddResult(JobResult{Success: false})
	h.AddResult(JobResult{Success: true})
	h.AddResult(JobResult{Success: true})

	latest := h.GetLatestResults(2)
	require.Len(t, latest, 2)
	assert.True(t, latest[0].Success)
	assert.True(t, latest[1].Success)

	assert.Empty(t, h.GetLatestResults(0))
	assert.Len(t, h.GetLatestResults(10), 3, "asking past the history returns everything")
}

func TestJobHistory_SuccessRate(t *testing.T) {
	h := &JobHistory{}
	assert.Zero(t, h.GetSuccessRate())

	h.AddResult(JobResult{Success: true})
	h.AddResult(JobResult{Success: true})
	h.AddResult(JobResult{Success: false})

	assert.InDelta(t, 2.0/3.0, h.GetSuccessRate(), 1e-9)
	require.Len(t, h.GetFailedResults(), 1)
}
