package gc

// ============================================================================
// 周期阶段
// ============================================================================
//
// 阶段由控制线程在暂停内外切换，任何 goroutine 都可以通过 Collector.Phase
// 读取。暂停阶段（MarkStart、MarkEnd、PrepareRelocation、Cleanup、
// MinorCollect）只在世界停止时可见于 mutator 之外的观察者。

// Phase 回收周期所处的阶段
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseMarkStart
	PhaseConcurrentMark
	PhaseMarkEnd
	PhasePrepareRelocation
	PhaseConcurrentRelocate
	PhaseCleanup
	PhaseMinorCollect
)

var phaseNames = [...]string{
	PhaseIdle:               "idle",
	PhaseMarkStart:          "mark-start",
	PhaseConcurrentMark:     "concurrent-mark",
	PhaseMarkEnd:            "mark-end",
	PhasePrepareRelocation:  "prepare-relocation",
	PhaseConcurrentRelocate: "concurrent-relocate",
	PhaseCleanup:            "cleanup",
	PhaseMinorCollect:       "minor-collect",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Paused 该阶段在暂停中执行
func (p Phase) Paused() bool {
	switch p {
	case PhaseMarkStart, PhaseMarkEnd, PhasePrepareRelocation, PhaseCleanup, PhaseMinorCollect:
		return true
	}
	return false
}

// Phase 当前阶段
func (c *Collector) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Collector) setPhase(p Phase) {
	c.phase.Store(uint32(p))
	if h := c.hooks.onPhase; h != nil {
		h(p)
	}
}
