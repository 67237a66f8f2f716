package storage

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	h, err := NewSQLiteHistory(tmpFile.Name())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestSQLiteHistory_AppendAndRecent(t *testing.T) {
	h := newTestHistory(t)

	now := time.Unix(1700000000, 0)
	err := h.Append([]Sample{
		{PointID: "temp", Value: "12", Timestamp: now},
		{PointID: "temp", Value: "13", Timestamp: now.Add(time.Second)},
		{PointID: "flow", Value: "1.5", Timestamp: now},
	})
	require.NoError(t, err)

	samples, err := h.Recent("temp", 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "13", samples[0].Value) // newest first
	assert.Equal(t, "12", samples[1].Value)
}

func TestSQLiteHistory_RecentRespectsLimit(t *testing.T) {
	h := newTestHistory(t)

	now := time.Unix(1700000000, 0)
	samples := make([]Sample, 0, 5)
	for i := 0; i < 5; i++ {
		samples = append(samples, Sample{
			PointID:   "temp",
			Value:     "x",
			Timestamp: now.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, h.Append(samples))

	got, err := h.Recent("temp", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLiteHistory_RecentUnknownPoint(t *testing.T) {
	h := newTestHistory(t)

	samples, err := h.Recent("does-not-exist", 10)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestSQLiteHistory_AppendEmptyIsNoop(t *testing.T) {
	h := newTestHistory(t)
	require.NoError(t, h.Append(nil))
}

func TestSQLiteHistory_InvalidPath(t *testing.T) {
	_, err := NewSQLiteHistory("/invalid/path/that/does/not/exist/test.db")
	if err != nil {
		t.Logf("Expected error for invalid path: %v", err)
	}
}
