package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterConfigDigest(t *testing.T) {
	a := ClusterConfig{MinSavingsPct: 5, EncoderPreset: 8, FileOrder: "oldest", MaxAttempts: 3}
	b := a

	assert.Equal(t, a.Digest(), b.Digest())
	assert.Len(t, a.Digest(), 64)

	b.EncoderPreset = 6
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestOutcomeTaggedVariant(t *testing.T) {
	report := OutcomeReport{
		LeaseToken: "01HZXK",
		Outcome: Outcome{
			Failure: &FailureOutcome{Kind: ErrorKindEncoderCrash, Message: "exit 137", Retryable: true},
		},
	}

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var back OutcomeReport
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Nil(t, back.Outcome.Success)
	assert.Nil(t, back.Outcome.Skip)
	require.NotNil(t, back.Outcome.Failure)
	assert.Equal(t, ErrorKindEncoderCrash, back.Outcome.Failure.Kind)
	assert.True(t, back.Outcome.Failure.Retryable)
}

func TestHeartbeatOmitsIdleCurrent(t *testing.T) {
	data, err := json.Marshal(Heartbeat{Telemetry: Telemetry{CPUPercent: 12.5}})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "current")
}
