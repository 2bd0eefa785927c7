package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWaveBoundsParallelism(t *testing.T) {
	wave := make([]PlanTask, 12)
	for i := range wave {
		wave[i] = PlanTask{ID: fmt.Sprintf("t%d", i+1), Description: "task"}
	}

	var inFlight, peak atomic.Int64
	results, err := runWave(context.Background(), 4, wave, func(_ context.Context, task PlanTask) (*TaskFinding, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &TaskFinding{TaskID: task.ID, Content: "done"}, nil
	})
	require.NoError(t, err)
	assert.Len(t, results, len(wave))
	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.Greater(t, peak.Load(), int64(1))
}

func TestRunWaveZeroLimitUsesDefault(t *testing.T) {
	results, err := runWave(context.Background(), 0, []PlanTask{{ID: "t1"}}, func(_ context.Context, task PlanTask) (*TaskFinding, error) {
		return &TaskFinding{TaskID: task.ID}, nil
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRunWavePropagatesTaskFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	_, err := runWave(context.Background(), 2, []PlanTask{{ID: "ok"}, {ID: "bad"}}, func(_ context.Context, task PlanTask) (*TaskFinding, error) {
		if task.ID == "bad" {
			return nil, boom
		}
		return &TaskFinding{TaskID: task.ID}, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "task bad")
}
