package kafka

import (
	"sort"

	"go-stream-processor/pkg/models"
)

// ComputeLag returns high minus committed. A partition with no committed
// offset is reported with committed == -1, so the full backlog high+1 counts.
func ComputeLag(highWatermark, committed int64) int64 {
	lag := highWatermark - committed
	if lag < 0 {
		return 0
	}
	return lag
}

// buildLag joins the assignment with committed offsets and high watermarks.
// Missing committed offsets are treated as -1. Partitions without a known
// high watermark are skipped.
func buildLag(assigned map[string][]int, committed, high map[string]map[int]int64, topics []string) []models.PartitionLag {
	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}

	var out []models.PartitionLag
	for topic, partitions := range assigned {
		if len(wanted) > 0 && !wanted[topic] {
			continue
		}
		for _, p := range partitions {
			hw, ok := high[topic][p]
			if !ok {
				continue
			}
			c, ok := committed[topic][p]
			if !ok || c < 0 {
				c = -1
			}
			out = append(out, models.PartitionLag{
				Topic:           topic,
				Partition:       p,
				HighWatermark:   hw,
				CommittedOffset: c,
				Lag:             ComputeLag(hw, c),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}
