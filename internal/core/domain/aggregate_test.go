package domain

import (
	"math"
	"testing"
	"time"
)

func fl(v float64) *float64 { return &v }

func TestAggregateApplyCounts(t *testing.T) {
	key := GroupKey{Model: "m1", Variant: "base", Difficulty: "easy", TaskType: "single"}
	agg := NewSummaryAggregate(key)

	records := []ResultRecord{
		{TaskID: "t1", Status: StatusSuccess, Latency: 2 * time.Second, Quality: fl(1.0)},
		{TaskID: "t2", Status: StatusPartial, Latency: 4 * time.Second, Quality: fl(0.5)},
		{TaskID: "t3", Status: StatusFailure, ErrorKind: ErrKindDependency, Latency: 6 * time.Second},
	}
	for _, rec := range records {
		agg.Apply(rec)
	}

	if agg.Total != 3 || agg.Success != 1 || agg.Partial != 1 || agg.Failure != 1 {
		t.Errorf("counts = %d/%d/%d/%d, want 3/1/1/1",
			agg.Total, agg.Success, agg.Partial, agg.Failure)
	}
	if agg.ErrorKinds[ErrKindDependency] != 1 {
		t.Errorf("dependency histogram = %d, want 1", agg.ErrorKinds[ErrKindDependency])
	}
	if math.Abs(agg.LatencyMean-4.0) > 1e-9 {
		t.Errorf("latency mean = %f, want 4.0", agg.LatencyMean)
	}
	if agg.QualityCount != 2 || math.Abs(agg.QualityMean-0.75) > 1e-9 {
		t.Errorf("quality mean = %f over %d, want 0.75 over 2", agg.QualityMean, agg.QualityCount)
	}
}

func TestAggregateRates(t *testing.T) {
	agg := NewSummaryAggregate(GroupKey{Model: "m"})
	if agg.SuccessRate() != 0 || agg.FailureRate() != 0 {
		t.Error("empty row should report zero rates")
	}

	agg.Apply(ResultRecord{TaskID: "a", Status: StatusSuccess})
	agg.Apply(ResultRecord{TaskID: "b", Status: StatusFailure, ErrorKind: ErrKindOther})

	if agg.SuccessRate() != 0.5 {
		t.Errorf("success rate = %f, want 0.5", agg.SuccessRate())
	}
}

func TestAggregateCloneIsIndependent(t *testing.T) {
	agg := NewSummaryAggregate(GroupKey{Model: "m"})
	agg.Apply(ResultRecord{TaskID: "a", Status: StatusFailure, ErrorKind: ErrKindTimeout})

	c := agg.Clone()
	c.ErrorKinds[ErrKindTimeout] = 99

	if agg.ErrorKinds[ErrKindTimeout] != 1 {
		t.Error("mutating a clone leaked into the original row")
	}
}

func TestShardStateTransitions(t *testing.T) {
	tests := []struct {
		from, to ShardState
		want     bool
	}{
		{ShardPending, ShardRunning, true},
		{ShardPending, ShardLost, true},
		{ShardRunning, ShardCompleted, true},
		{ShardRunning, ShardFailed, true},
		{ShardRunning, ShardLost, true},
		{ShardPending, ShardCompleted, false},
		{ShardCompleted, ShardRunning, false},
		{ShardLost, ShardRunning, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestShardStateTerminal(t *testing.T) {
	for _, s := range []ShardState{ShardCompleted, ShardFailed, ShardLost} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ShardState{ShardPending, ShardRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
