package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qzbxw/realtimecore/internal/models"
	"github.com/qzbxw/realtimecore/internal/realtimeerr"
)

func TestCheckTransition_LegalEdges(t *testing.T) {
	cases := []struct {
		from, to models.CallState
	}{
		{models.CallInitiated, models.CallRinging},
		{models.CallRinging, models.CallActive},
		{models.CallRinging, models.CallRejected},
		{models.CallRinging, models.CallMissed},
		{models.CallRinging, models.CallEnded},
		{models.CallActive, models.CallEnded},
	}
	for _, c := range cases {
		assert.NoError(t, checkTransition(c.from, c.to), "%s -> %s should be legal", c.from, c.to)
	}
}

func TestCheckTransition_IllegalEdges(t *testing.T) {
	cases := []struct {
		from, to models.CallState
	}{
		{models.CallInitiated, models.CallActive},
		{models.CallRejected, models.CallActive},
		{models.CallEnded, models.CallActive},
		{models.CallMissed, models.CallRinging},
		{models.CallActive, models.CallRinging},
	}
	for _, c := range cases {
		err := checkTransition(c.from, c.to)
		require.Error(t, err, "%s -> %s should be illegal", c.from, c.to)
		assert.Equal(t, realtimeerr.KindInvalidCallState, realtimeerr.KindOf(err))
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(models.CallEnded))
	assert.True(t, isTerminal(models.CallRejected))
	assert.True(t, isTerminal(models.CallMissed))
	assert.False(t, isTerminal(models.CallInitiated))
	assert.False(t, isTerminal(models.CallRinging))
	assert.False(t, isTerminal(models.CallActive))
}
