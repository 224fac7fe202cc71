package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	require.Equal(t, StateStopped, m.State())

	require.True(t, m.To(StateStarting))
	require.True(t, m.To(StateRunning))
	require.True(t, m.To(StateBackoff))
	require.True(t, m.To(StateStarting))
	require.True(t, m.To(StateRunning))
	require.True(t, m.To(StateStopping))
	require.True(t, m.To(StateStopped))
}

func TestMachineRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		from State
		to   State
	}{
		{"stopped to running", StateStopped, StateRunning},
		{"stopped to backoff", StateStopped, StateBackoff},
		{"running to starting", StateRunning, StateStarting},
		{"running to stopped", StateRunning, StateStopped},
		{"backoff to running", StateBackoff, StateRunning},
		{"stopping to starting", StateStopping, StateStarting},
		{"stopped to stopped", StateStopped, StateStopped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine()
			m.v.Store(int32(tc.from))
			require.False(t, m.To(tc.to))
			require.Equal(t, tc.from, m.State(), "rejected transition must not mutate state")
		})
	}
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "STOPPED", StateStopped.String())
	require.Equal(t, "STARTING", StateStarting.String())
	require.Equal(t, "RUNNING", StateRunning.String())
	require.Equal(t, "BACKOFF", StateBackoff.String())
	require.Equal(t, "STOPPING", StateStopping.String())
	require.Equal(t, "UNKNOWN", State(99).String())
}
