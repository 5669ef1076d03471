package usage

import (
	"context"
	"sync"
)

const maxMemoryRecords = 10000

// MemoryRecorder 在内存中保存最近的用量记录。
type MemoryRecorder struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryRecorder 创建内存账本。
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record 追加一条记录，超过上限时丢弃最旧的记录。
func (m *MemoryRecorder) Record(_ context.Context, rec Record) error {
	normalize(&rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if len(m.records) > maxMemoryRecords {
		m.records = append([]Record(nil), m.records[len(m.records)-maxMemoryRecords:]...)
	}
	return nil
}

// Summary 汇总符合条件的记录。
func (m *MemoryRecorder) Summary(_ context.Context, filter Filter) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Summary
	for _, rec := range m.records {
		if !filter.matches(rec) {
			continue
		}
		s.Conversations++
		if rec.Status == StatusFailed {
			s.Failed++
		}
		s.Rounds += int64(rec.Rounds)
		s.ToolCalls += int64(rec.ToolCalls)
		s.InputUnits += rec.InputUnits
		s.OutputUnits += rec.OutputUnits
		s.Cost += rec.Cost
	}
	s.TotalUnits = s.InputUnits + s.OutputUnits
	return s, nil
}

// Records 返回记录副本。
func (m *MemoryRecorder) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}

// Close 无需释放资源。
func (m *MemoryRecorder) Close() error { return nil }

var _ Recorder = (*MemoryRecorder)(nil)
