package worker

import (
	"hash/fnv"
)

// Shard maps key onto one of n shards with FNV-1a, so a given key always
// lands on the same worker.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// SuccessRate returns processed/total as a ratio, 1 when nothing ran
func SuccessRate(processed, total uint64) float64 {
	if total == 0 {
		return 1
	}
	return float64(processed) / float64(total)
}
