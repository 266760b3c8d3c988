package gc

import (
	"testing"
	"time"

	"github.com/tangzhangming/fgc/internal/config"
)

// warm 喂入预热周期，每秒分配 perCycle 字节
func warm(s *sizer, start time.Time, perCycle uint64) time.Time {
	now := start
	for i := 0; i < sizingWarmup; i++ {
		s.record(perCycle, 0, 0, now)
		now = now.Add(time.Second)
	}
	return now
}

func TestSizerWarmup(t *testing.T) {
	s := newSizer(true, config.MB.Bytes(), 64*config.MB.Bytes(), 8*config.MB.Bytes())
	now := time.Unix(0, 0)
	for i := 0; i < sizingWarmup; i++ {
		// 即使在用区域超过软上限也不调整
		if got := s.record(0, 0, 16*config.MB.Bytes(), now); got != 8*config.MB.Bytes() {
			t.Fatalf("cycle %d: soft max %d during warmup", i, got)
		}
		if s.current() != SizingWarmup {
			t.Fatalf("cycle %d: state %v", i, s.current())
		}
		now = now.Add(time.Second)
	}
}

func TestSizerAdjustments(t *testing.T) {
	mb := config.MB.Bytes()
	tests := []struct {
		name     string
		perCycle uint64 // 每秒分配量
		inUse    uint64
		want     uint64
		state    SizingState
	}{
		{"grow by factor", 1024, 7 * mb, uint64(float64(8*mb) * growFactor), SizingGrowing},
		{"grow to allocation window", 10 * mb, 7 * mb, 30 * mb, SizingGrowing},
		{"stable", 1024, 4 * mb, 8 * mb, SizingStable},
		{"shrink", 1024, mb, uint64(float64(8*mb) * shrinkFactor), SizingShrinking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSizer(true, mb, 64*mb, 8*mb)
			now := warm(s, time.Unix(0, 0), tt.perCycle)
			got := s.record(tt.perCycle, 0, tt.inUse, now)
			if got != tt.want || s.limit() != tt.want {
				t.Errorf("soft max %d (limit %d), want %d", got, s.limit(), tt.want)
			}
			if s.current() != tt.state {
				t.Errorf("state %v, want %v", s.current(), tt.state)
			}
		})
	}
}

func TestSizerClamped(t *testing.T) {
	mb := config.MB.Bytes()
	s := newSizer(true, 2*mb, 10*mb, 0)
	if s.limit() != 10*mb {
		t.Fatalf("zero initial size gives %d, want the maximum", s.limit())
	}
	now := warm(s, time.Unix(0, 0), 1024)
	for i := 0; i < 20; i++ {
		s.record(1024, 0, 0, now)
		now = now.Add(time.Second)
	}
	if s.limit() != 2*mb {
		t.Errorf("shrunk to %d, want floor %d", s.limit(), 2*mb)
	}
	// 到达下限后不再报告缩小
	s.record(1024, 0, 0, now)
	if s.current() != SizingStable {
		t.Errorf("state at floor %v", s.current())
	}

	for i := 0; i < 20; i++ {
		now = now.Add(time.Second)
		s.record(1024, 0, s.limit(), now)
	}
	if s.limit() != 10*mb {
		t.Errorf("grew to %d, want ceiling %d", s.limit(), 10*mb)
	}
}

func TestSizerDisabled(t *testing.T) {
	mb := config.MB.Bytes()
	s := newSizer(false, mb, 64*mb, 64*mb)
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		s.record(0, 0, mb/2, now)
		now = now.Add(time.Second)
	}
	if s.limit() != 64*mb || s.current() != SizingWarmup {
		t.Errorf("disabled sizer moved to %d (%v)", s.limit(), s.current())
	}
}

func TestCollectorSoftMaxFollowsUsage(t *testing.T) {
	cfg := testConfig(false)
	c := newTestCollector(t, cfg)
	if got := c.SoftMaxHeap(); got != cfg.MaxHeapSize.Bytes() {
		t.Fatalf("initial soft max %d, want %d", got, cfg.MaxHeapSize.Bytes())
	}
	for i := 0; i < sizingWarmup+2; i++ {
		if _, err := c.Allocate(128, 8); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if err := c.Collect(Full); err != nil {
			t.Fatalf("Collect: %v", err)
		}
	}
	got := c.SoftMaxHeap()
	if got >= cfg.MaxHeapSize.Bytes() || c.SizingState() != SizingShrinking {
		t.Errorf("nearly empty heap kept soft max %d (%v)", got, c.SizingState())
	}
	if r := c.Heap().Retention(); r != got {
		t.Errorf("pool retention %d, want soft max %d", r, got)
	}

	cfg.AdaptiveSizing = false
	fixed := newTestCollector(t, cfg)
	for i := 0; i < sizingWarmup+2; i++ {
		if err := fixed.Collect(Full); err != nil {
			t.Fatalf("Collect: %v", err)
		}
	}
	if fixed.SoftMaxHeap() != cfg.MaxHeapSize.Bytes() || fixed.Heap().Retention() != 0 {
		t.Errorf("fixed sizing moved: soft max %d, retention %d", fixed.SoftMaxHeap(), fixed.Heap().Retention())
	}
}
