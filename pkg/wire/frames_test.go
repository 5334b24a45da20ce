package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := timestamppb.New(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))

	frames := []Frame{
		&SubscribeFrame{ClientId: "watcher-1"},
		&ResyncRequestFrame{LastKnownVersion: 41},
		&HeartbeatFrame{SentAt: now},
		&FullSnapshotFrame{
			Version:    7,
			CapturedAt: now,
			Participants: []Participant{
				{Id: "s01", Status: StatusActive, ExecutionCount: 12, Location: "lesson3.ipynb#cell-2"},
			},
		},
		&DeltaFrame{DeltaPackage: DeltaPackage{
			BaseVersion:   7,
			TargetVersion: 8,
			Changes: []EntityChange{
				Removed("s01"),
			},
			Metadata: DeltaMetadata{ChangeCount: 1, FullSizeBytes: 2, DeltaSizeBytes: 30},
		}},
	}

	for _, f := range frames {
		data, err := Encode(f)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, f, decoded)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not json":      `{{{`,
		"no type":       `{"payload":{}}`,
		"unknown type":  `{"type":"presence_ping","payload":{}}`,
		"wrong payload": `{"type":"full_snapshot","payload":{"version":"seven"}}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeRejectsInvalidDeltaChanges(t *testing.T) {
	// created change with no participant body
	raw := `{"type":"delta","payload":{"base_version":1,"target_version":2,"changes":[{"op":"created","id":"s09"}]}}`
	_, err := Decode([]byte(raw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "participant")

	// op the receiver has never heard of
	raw = `{"type":"delta","payload":{"base_version":1,"target_version":2,"changes":[{"op":"renamed","id":"s09"}]}}`
	_, err = Decode([]byte(raw))
	assert.Error(t, err)
}

func TestHeartbeatWithEmptyPayload(t *testing.T) {
	decoded, err := Decode([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, &HeartbeatFrame{}, decoded)
}

func TestPatchApplyTo(t *testing.T) {
	ts := timestamppb.New(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	base := Participant{
		Id:             "s42",
		Status:         StatusActive,
		ExecutionCount: 10,
		ErrorCount:     1,
		Location:       "intro.ipynb#cell-1",
		LastActivity:   ts,
	}

	status := StatusHelpRequesting
	count := int64(11)
	patched := ParticipantPatch{Status: &status, ExecutionCount: &count}.ApplyTo(base)

	assert.Equal(t, StatusHelpRequesting, patched.Status)
	assert.Equal(t, int64(11), patched.ExecutionCount)
	assert.Equal(t, int64(1), patched.ErrorCount)
	assert.Equal(t, "intro.ipynb#cell-1", patched.Location)
	assert.True(t, TimestampsEqual(ts, patched.LastActivity))

	// the original must not be touched
	assert.Equal(t, StatusActive, base.Status)
	assert.Equal(t, int64(10), base.ExecutionCount)
}

func TestPatchClearsLastActivity(t *testing.T) {
	base := Participant{Id: "s42", Status: StatusIdle, LastActivity: timestamppb.Now()}

	patched := ParticipantPatch{ClearLastActivity: true}.ApplyTo(base)
	assert.Nil(t, patched.LastActivity)
	assert.NotNil(t, base.LastActivity)
}

func TestPatchIsZero(t *testing.T) {
	assert.True(t, ParticipantPatch{}.IsZero())

	loc := "lab.ipynb#cell-9"
	assert.False(t, ParticipantPatch{Location: &loc}.IsZero())
	assert.False(t, ParticipantPatch{ClearLastActivity: true}.IsZero())
}

func TestCompressionRatio(t *testing.T) {
	assert.InDelta(t, 0.9, CompressionRatio(1000, 100), 1e-9)
	assert.Equal(t, 0.0, CompressionRatio(0, 100))
	assert.Equal(t, 0.0, CompressionRatio(100, 250), "delta larger than full clamps to zero")
	assert.Equal(t, 1.0, CompressionRatio(100, 0))
}

func TestParticipantCloneIsDeep(t *testing.T) {
	p := Participant{Id: "s01", LastActivity: timestamppb.Now()}
	clone := p.Clone()

	require.NotNil(t, clone.LastActivity)
	clone.LastActivity.Seconds += 60
	assert.False(t, TimestampsEqual(p.LastActivity, clone.LastActivity))
}
