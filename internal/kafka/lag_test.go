package kafka

import (
	"testing"

	"go-stream-processor/pkg/models"

	"github.com/stretchr/testify/assert"
)

func TestComputeLag(t *testing.T) {
	tests := []struct {
		name      string
		high      int64
		committed int64
		want      int64
	}{
		{"committed behind", 100, 40, 60},
		{"no committed offset", 100, -1, 101},
		{"caught up", 100, 100, 0},
		{"empty partition, no commit", 0, -1, 1},
		{"committed ahead of stale watermark", 10, 12, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeLag(tt.high, tt.committed))
		})
	}
}

func TestBuildLag(t *testing.T) {
	assigned := map[string][]int{
		"metrics": {1, 0},
		"logs":    {0},
	}
	committed := map[string]map[int]int64{
		"metrics": {0: 40},
		"logs":    {0: -1},
	}
	high := map[string]map[int]int64{
		"metrics": {0: 100, 1: 7},
		"logs":    {0: 100},
	}

	got := buildLag(assigned, committed, high, []string{"metrics", "logs"})
	assert.Equal(t, []models.PartitionLag{
		{Topic: "logs", Partition: 0, HighWatermark: 100, CommittedOffset: -1, Lag: 101},
		{Topic: "metrics", Partition: 0, HighWatermark: 100, CommittedOffset: 40, Lag: 60},
		{Topic: "metrics", Partition: 1, HighWatermark: 7, CommittedOffset: -1, Lag: 8},
	}, got)

	onlyLogs := buildLag(assigned, committed, high, []string{"logs"})
	assert.Len(t, onlyLogs, 1)
	assert.Equal(t, "logs", onlyLogs[0].Topic)
}

func TestBuildLag_SkipsUnknownWatermark(t *testing.T) {
	got := buildLag(
		map[string][]int{"metrics": {0, 1}},
		nil,
		map[string]map[int]int64{"metrics": {1: 5}},
		nil,
	)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Partition)
	assert.Equal(t, int64(6), got[0].Lag)
}
