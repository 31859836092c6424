package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Summary(t *testing.T) {
	dur := int64(90)
	s := Session{
		ID:        "s-1",
		Name:      "standup",
		StartTime: "2026-08-30T09:00:00Z",
		Duration:  &dur,
		Screenshots: []Screenshot{
			{ID: "sc-1", AttachmentID: "a-1", Timestamp: "2026-08-30T09:01:00Z"},
		},
		Video:      &Video{FullVideoAttachmentID: "a-2"},
		Transcript: "hello",
	}

	sum := s.Summary()
	assert.Equal(t, 1, sum.ScreenshotCount)
	assert.Equal(t, 0, sum.AudioSegmentCount)
	assert.True(t, sum.HasVideo)
	assert.False(t, sum.HasNotes)
	assert.True(t, sum.HasTranscript)
	assert.Equal(t, &dur, sum.Duration)
}

func TestSession_WireFieldNames(t *testing.T) {
	s := Session{ID: "s-1", Name: "n", StartTime: "t",
		AudioSegments: []AudioSegment{{ID: "a", AttachmentID: "att", Timestamp: "t", Duration: 1.5}}}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "startTime")
	assert.Contains(t, raw, "audioSegments")
	assert.NotContains(t, raw, "start_time")
}

func TestNewID_TimeSortable(t *testing.T) {
	a := NewID()
	b := NewID()
	require.NotEqual(t, a, b)
	assert.Less(t, a, b, "v7 ids must sort by creation time")
}
