package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tonycreatyv/dentalconnect-engine/internal/core"
)

func TestCadenceInterval_EscalatesPerPolicy(t *testing.T) {
	cases := []struct {
		policy string
		step   int
		want   time.Duration
	}{
		{core.PolicyCold, 1, 3 * 24 * time.Hour},
		{core.PolicyCold, 4, 30 * 24 * time.Hour},
		{core.PolicyCold, 9, 30 * 24 * time.Hour}, // past the table: last interval
		{core.PolicyWarm, 1, 24 * time.Hour},
		{core.PolicyWarm, 3, 4 * 24 * time.Hour},
		{core.PolicyHot, 1, 4 * time.Hour},
		{core.PolicyHot, 2, 12 * time.Hour},
		{core.PolicyHot, 0, 4 * time.Hour}, // clamped
	}
	for _, c := range cases {
		got, err := core.CadenceInterval(c.policy, c.step)
		require.NoError(t, err)
		require.Equal(t, c.want, got, "%s step %d", c.policy, c.step)
	}
}

func TestCadenceInterval_UnknownPolicy(t *testing.T) {
	_, err := core.CadenceInterval("lukewarm", 1)
	require.Error(t, err)
	require.False(t, core.ValidPolicy("lukewarm"))
	require.True(t, core.ValidPolicy(core.PolicyCold))
}

func TestNextFollowupDue_StrictlyLater(t *testing.T) {
	now := time.Now()
	for _, policy := range []string{core.PolicyCold, core.PolicyWarm, core.PolicyHot} {
		prev := now
		for step := 1; step <= 5; step++ {
			due, err := core.NextFollowupDue(policy, step, now)
			require.NoError(t, err)
			require.True(t, due.After(now), "%s step %d not after now", policy, step)
			require.False(t, due.Before(prev), "%s step %d shrank", policy, step)
			prev = due
		}
	}
}
