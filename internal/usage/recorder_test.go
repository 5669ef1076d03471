package usage

import (
	"context"
	"math"
	"testing"

	"OpenMCP-Chat/internal/storage/mysql"
)

func sampleRecords() []Record {
	return []Record{
		{SessionID: "s1", UserID: "alice", Provider: "openai", Status: StatusDone, Rounds: 2, ToolCalls: 1, InputUnits: 100, OutputUnits: 20, Cost: 0.5, CreatedAt: 100},
		{SessionID: "s1", UserID: "alice", Provider: "openai", Status: StatusFailed, ErrorCode: "STREAM_TIMEOUT", Rounds: 1, InputUnits: 50, Cost: 0.25, CreatedAt: 200},
		{SessionID: "s2", UserID: "bob", Provider: "claude", Status: StatusDone, Rounds: 1, InputUnits: 10, OutputUnits: 5, Cost: 1, CreatedAt: 300},
	}
}

func exerciseRecorder(t *testing.T, r Recorder) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range sampleRecords() {
		if err := r.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := r.Summary(ctx, Filter{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if all.Conversations != 3 || all.Failed != 1 || all.Rounds != 4 || all.ToolCalls != 1 {
		t.Fatalf("unexpected summary: %+v", all)
	}
	if all.InputUnits != 160 || all.OutputUnits != 25 || all.TotalUnits != 185 || math.Abs(all.Cost-1.75) > 1e-9 {
		t.Fatalf("unexpected totals: %+v", all)
	}

	alice, err := r.Summary(ctx, Filter{UserID: "alice", Since: 150})
	if err != nil {
		t.Fatalf("summary alice: %v", err)
	}
	if alice.Conversations != 1 || alice.Failed != 1 {
		t.Fatalf("filter should narrow to one failed record: %+v", alice)
	}

	none, err := r.Summary(ctx, Filter{SessionID: "missing"})
	if err != nil || none.Conversations != 0 || none.Cost != 0 {
		t.Fatalf("empty summary expected, got %+v %v", none, err)
	}
}

func TestMemoryRecorder(t *testing.T) {
	r := NewMemoryRecorder()
	exerciseRecorder(t, r)
	for _, rec := range r.Records() {
		if rec.ID == "" {
			t.Fatalf("records should receive an id")
		}
	}
}

func TestSQLRecorderOnSQLite(t *testing.T) {
	ctx := context.Background()
	r, err := NewSQLRecorder(ctx, mysql.Config{Driver: mysql.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	defer r.Close()

	// 再次初始化时追加列已存在，需要被容忍。
	if err := r.initSchema(ctx); err != nil {
		t.Fatalf("schema init should be repeatable: %v", err)
	}

	exerciseRecorder(t, r)

	byProvider, err := r.SummaryByProvider(ctx, Filter{})
	if err != nil {
		t.Fatalf("summary by provider: %v", err)
	}
	if byProvider["openai"].Conversations != 2 || byProvider["claude"].InputUnits != 10 {
		t.Fatalf("unexpected grouping: %+v", byProvider)
	}
}

func TestRecordIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	r, err := NewSQLRecorder(ctx, mysql.Config{Driver: mysql.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	defer r.Close()
	for i := 0; i < 10; i++ {
		if err := r.Record(ctx, Record{UserID: "u"}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	s, err := r.Summary(ctx, Filter{UserID: "u"})
	if err != nil || s.Conversations != 10 {
		t.Fatalf("expected 10 records, got %+v %v", s, err)
	}
}
