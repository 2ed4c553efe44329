package peerrpc

import "sync"

// messageCounter counts messages per peer rank. Counts only grow.
type messageCounter struct {
	lk       sync.Mutex
	counters []int64
}

func newMessageCounter(worldSize int) *messageCounter {
	return &messageCounter{counters: make([]int64, worldSize)}
}

func (mc *messageCounter) increment(peer int) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	mc.counters[peer]++
}

func (mc *messageCounter) snapshot() []int64 {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	snapshot := make([]int64, len(mc.counters))
	copy(snapshot, mc.counters)
	return snapshot
}
