// Package gc 实现并发、基于区域、着色指针的垃圾回收器。
//
// 回收器管理一个模拟的托管堆：对象是区域内的字节区间，托管指针是带颜色位
// 的 64 位值。mutator 通过 Mutator 句柄分配与读写对象，所有指针读取经过
// 读屏障，指针写入经过写屏障（SATB 或卡表）。
//
// 一个主回收周期分为：
//
//	PauseMarkStart -> ConcurrentMark -> PauseMarkEnd ->
//	PrepareRelocation -> ConcurrentRelocate -> Cleanup
//
// 分代模式下另有 STW 的 minor GC 回收年轻代。
package gc

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/config"
	"github.com/tangzhangming/fgc/internal/gclog"
	"github.com/tangzhangming/fgc/internal/gcstats"
	"github.com/tangzhangming/fgc/internal/heap"
	"github.com/tangzhangming/fgc/internal/vmem"
	"github.com/tangzhangming/fgc/internal/workq"
)

// Generation 回收范围
type Generation int

const (
	// Young 只回收年轻代（非分代模式下等同 Full）
	Young Generation = iota
	// Full 回收整个堆
	Full
)

func (g Generation) String() string {
	if g == Young {
		return "young"
	}
	return "full"
}

// Option 回收器选项
type Option func(*options)

type options struct {
	logger    *zap.Logger
	layout    LayoutProvider
	mapper    vmem.Mapper
	providers []RootProvider
}

// WithLogger 使用指定日志（默认按 config.Verbose 构造）
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLayout 指定对象布局提供者（默认按对象头引用图）
func WithLayout(l LayoutProvider) Option {
	return func(o *options) { o.layout = l }
}

// WithMapper 指定内存映射策略（默认按 config.MultiMapping 选择）
func WithMapper(m vmem.Mapper) Option {
	return func(o *options) { o.mapper = m }
}

// WithRootProvider 添加根提供者
func WithRootProvider(p RootProvider) Option {
	return func(o *options) { o.providers = append(o.providers, p) }
}

// hooks 测试在周期的固定位置注入动作
type hooks struct {
	afterMarkStart func()
	beforeMarkEnd  func()
	afterRelocate  func()
	onPhase        func(Phase)
}

// cycleCounters 当前周期的计数
type cycleCounters struct {
	marked      atomic.Uint64
	copied      atomic.Uint64
	copiedBytes atomic.Uint64
	promoted    atomic.Uint64
}

func (cc *cycleCounters) reset() {
	cc.marked.Store(0)
	cc.copied.Store(0)
	cc.copiedBytes.Store(0)
	cc.promoted.Store(0)
}

// Collector 垃圾回收器
type Collector struct {
	cfg     config.Config
	log     *zap.Logger
	heap    *heap.Heap
	layout  LayoutProvider
	barrier BarrierMode

	// 颜色状态，只在暂停中改变
	good    atomic.Uint64
	badMask atomic.Uint64
	marking atomic.Bool

	phase atomic.Uint32

	// majorActive 主周期进行中，minor GC 不可运行，Eden 满时直接分配到老年代
	majorActive atomic.Bool

	sp    *safepoint
	pool  *workq.Pool
	queue *workq.Queue

	mutMu    sync.Mutex
	mutators map[*Mutator]struct{}
	defMu    sync.Mutex
	def      *Mutator

	rootMu    sync.Mutex
	roots     map[*Root]struct{}
	providers []RootProvider

	satbMu      sync.Mutex
	satbBufs    [][]uint64
	satbPending atomic.Int64

	weak *weakTable
	fin  *finalizerQueue

	gen *generation

	ctl     *controller
	cycleMu sync.Mutex
	cycle   cycleCounters
	cycleID atomic.Uint64

	stats        *gcstats.Stats
	sizer        *sizer
	liveEstimate atomic.Uint64
	lastInUse    atomic.Uint64

	failed atomic.Error
	closed atomic.Bool

	hooks hooks
}

// New 按配置创建回收器
func New(cfg config.Config, opts ...Option) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = gclog.New(gclog.Options{Verbose: cfg.Verbose})
	}
	if o.layout == nil {
		o.layout = RefMapLayout{}
	}
	if o.mapper == nil {
		m, err := vmem.NewMapper(cfg.MultiMapping)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", heap.ErrHeapInitialization, err)
		}
		o.mapper = m
	}

	h, err := heap.New(heap.Options{
		MaxHeapSize:      cfg.MaxHeapSize.Bytes(),
		MinHeapSize:      cfg.MinHeapSize.Bytes(),
		InitialHeapSize:  cfg.InitialHeapSize.Bytes(),
		SmallRegionSize:  cfg.SmallRegionSize.Bytes(),
		MediumRegionSize: cfg.MediumRegionSize.Bytes(),
		SmallThreshold:   cfg.SmallThreshold.Bytes(),
		LargeThreshold:   cfg.LargeThreshold.Bytes(),
		CardTables:       cfg.Generational,
		Mapper:           o.mapper,
		Logger:           o.logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		cfg:       cfg,
		log:       o.logger,
		heap:      h,
		layout:    o.layout,
		barrier:   barrierMode(&cfg),
		sp:        newSafepoint(),
		mutators:  make(map[*Mutator]struct{}),
		roots:     make(map[*Root]struct{}),
		providers: o.providers,
		weak:      newWeakTable(),
		stats:     gcstats.New(cfg.StatsHistory),
	}
	c.setGood(colorptr.Remapped)

	initial := cfg.InitialHeapSize.Bytes()
	if !cfg.AdaptiveSizing {
		initial = cfg.MaxHeapSize.Bytes()
	}
	floor := max(cfg.MinHeapSize.Bytes(), cfg.MediumRegionSize.Bytes(), cfg.MaxHeapSize.Bytes()/8)
	c.sizer = newSizer(cfg.AdaptiveSizing, floor, cfg.MaxHeapSize.Bytes(), initial)
	if cfg.AdaptiveSizing {
		h.SetRetention(c.sizer.limit())
	}

	if cfg.Generational {
		g, err := newGeneration(c)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("%w: young generation: %w", heap.ErrHeapInitialization, err), h.Close())
		}
		c.gen = g
	}

	c.pool = workq.NewPool(cfg.Threads())
	c.queue = workq.NewQueue(c.pool.Workers())
	c.pool.Start()
	c.fin = newFinalizerQueue(c.log)
	c.ctl = newController(c)

	c.def, err = c.NewMutator()
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.def.Block()

	c.log.Info("collector started",
		zap.String("mapper", o.mapper.Name()),
		zap.Stringer("max_heap", cfg.MaxHeapSize),
		zap.Bool("generational", cfg.Generational),
		zap.Stringer("barrier", c.barrier),
		zap.Int("workers", c.pool.Workers()),
		zap.Bool("numa_aware", cfg.NUMAAware))
	return c, nil
}

// err 失败或关闭状态
func (c *Collector) err() error {
	if err := c.failed.Load(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// fail 进入永久失败状态
func (c *Collector) fail(v any) error {
	err := failure(v)
	if prev := c.failed.Load(); prev != nil {
		return prev
	}
	c.failed.Store(err)
	c.marking.Store(false)
	c.majorActive.Store(false)
	c.phase.Store(uint32(PhaseIdle))
	c.sp.release()
	c.log.Error("collector failed", zap.Error(err))
	return err
}

// Config 生效的配置
func (c *Collector) Config() config.Config { return c.cfg }

// Heap 底层区域堆（诊断与工具使用）
func (c *Collector) Heap() *heap.Heap { return c.heap }

// Barrier 写屏障策略
func (c *Collector) Barrier() BarrierMode { return c.barrier }

// ============================================================================
// 分配
// ============================================================================

// Allocate 通过内部 mutator 分配对象
//
// 分配是 GC 点，调用者不能同时持有一个未阻塞的 Mutator。返回的指针在
// 下一次暂停前没有根保护，需要长期持有时使用 AllocateRoot。
func (c *Collector) Allocate(size, align uint64) (colorptr.Pointer, error) {
	c.defMu.Lock()
	defer c.defMu.Unlock()
	c.def.Unblock()
	defer c.def.Block()
	return c.def.Allocate(size, align)
}

// AllocateRoot 分配对象并在同一个 GC 点之前把它注册为根
//
// Allocate 返回后到 RegisterRoot 之间可能经过一次暂停，未登记的新对象
// 会被回收或移动。这里在内部 mutator 阻塞之前完成注册。
func (c *Collector) AllocateRoot(size, align uint64) (*Root, error) {
	c.defMu.Lock()
	defer c.defMu.Unlock()
	c.def.Unblock()
	defer c.def.Block()
	p, err := c.def.Allocate(size, align)
	if err != nil {
		return nil, err
	}
	return c.RegisterRoot(p)
}

// ObjectInfo 查询对象信息
func (c *Collector) ObjectInfo(p colorptr.Pointer) (ObjectInfo, error) {
	if err := c.err(); err != nil {
		return ObjectInfo{}, err
	}
	return c.objectInfo(p)
}

// withHeapContext 给内存不足错误补充堆占用信息
func (c *Collector) withHeapContext(err error) error {
	var oom *heap.OutOfMemoryError
	if errors.As(err, &oom) {
		hs := c.heap.Stats()
		oom.Used = hs.Used
		oom.Total = hs.Max
		oom.LiveEstimate = c.liveEstimate.Load()
	}
	return err
}

// maybeTrigger 分配慢速路径上检查 Eden 使用率与占用水位
func (c *Collector) maybeTrigger() {
	if g := c.gen; g != nil && !c.majorActive.Load() &&
		float64(g.eden.Used()) > edenTrigger*float64(g.eden.Size()) && g.canCollect() {
		if c.ctl.idle() {
			c.ctl.request(Young, "eden", nil)
		}
		return
	}
	inUse := c.heap.InUse()
	limit := c.cfg.TriggerOccupancy * float64(c.sizer.limit())
	if float64(inUse) <= limit || inUse <= c.lastInUse.Load() {
		return
	}
	if c.ctl.idle() {
		c.ctl.request(Full, "occupancy", nil)
	}
}

// ============================================================================
// 回收请求
// ============================================================================

// RequestGC 异步请求一次回收
func (c *Collector) RequestGC(gen Generation) {
	if c.err() != nil {
		return
	}
	c.ctl.request(gen, "request", nil)
}

// Collect 同步回收，返回本次回收的错误
//
// 调用者不能同时持有一个未阻塞的 Mutator（使用 Mutator.Collect）。
func (c *Collector) Collect(gen Generation) error {
	if err := c.err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	if !c.ctl.request(gen, "explicit", done) {
		return ErrClosed
	}
	return <-done
}

// ============================================================================
// 统计与健康
// ============================================================================

// Stats 统计汇总
func (c *Collector) Stats() gcstats.Summary {
	hs := c.heap.Stats()
	c.stats.SetHeap(hs.Used, hs.Committed, hs.Max)
	return c.stats.Summary()
}

// Cycles 最近的周期记录
func (c *Collector) Cycles() []gcstats.Cycle {
	return c.stats.Cycles().History()
}

// AllocationsByClass 按类型 id 的分配统计
func (c *Collector) AllocationsByClass() []gcstats.ClassStats {
	return c.stats.Classes()
}

// LastCycle 最近一个周期
func (c *Collector) LastCycle() (gcstats.Cycle, bool) {
	return c.stats.Cycles().Last()
}

// HeapStats 堆占用
func (c *Collector) HeapStats() heap.Stats {
	return c.heap.Stats()
}

// SoftMaxHeap 当前软上限，占用水位按它计算
func (c *Collector) SoftMaxHeap() uint64 {
	return c.sizer.limit()
}

// SizingState 软上限最近一次调整的方向
func (c *Collector) SizingState() SizingState {
	return c.sizer.current()
}

// LiveEstimate 最近一次标记得出的存活字节估计
func (c *Collector) LiveEstimate() uint64 {
	return c.liveEstimate.Load()
}

// HealthStatus 健康状态
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Warning
	Critical
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	default:
		return "critical"
	}
}

// 健康阈值
const (
	healthWarning  = 0.75
	healthCritical = 0.90
)

// Health 健康检查结果
type Health struct {
	Status      HealthStatus
	Utilization float64
	Message     string
	Phase       Phase
}

// Health 根据堆利用率与失败状态给出健康状态
func (c *Collector) Health() Health {
	if err := c.failed.Load(); err != nil {
		return Health{Status: Critical, Utilization: 1, Message: err.Error()}
	}
	hs := c.heap.Stats()
	util := float64(hs.InUse) / float64(hs.Max)
	h := Health{Status: Healthy, Utilization: util, Message: "ok", Phase: c.Phase()}
	switch {
	case util >= healthCritical:
		h.Status, h.Message = Critical, fmt.Sprintf("heap utilization %.1f%% above %.0f%%", util*100, healthCritical*100)
	case util >= healthWarning:
		h.Status, h.Message = Warning, fmt.Sprintf("heap utilization %.1f%% above %.0f%%", util*100, healthWarning*100)
	}
	return h
}

// ============================================================================
// 关闭
// ============================================================================

// Close 关闭回收器
//
// 没有运行中的 mutator 时先做一次完整回收以执行终结器，随后停止控制线程、
// 工作线程和终结器线程，并归还全部内存。
func (c *Collector) Close() error {
	if c.closed.Load() {
		return ErrClosed
	}
	var err error
	if c.failed.Load() == nil && c.sp.runningCount() == 0 {
		err = c.runCycle(Full, "close")
	}
	if !c.closed.CAS(false, true) {
		return ErrClosed
	}
	err = multierr.Append(err, c.shutdown())
	c.log.Info("collector closed", zap.Uint64("cycles", c.cycleID.Load()))
	return err
}

func (c *Collector) shutdown() error {
	if c.ctl != nil {
		c.ctl.stop()
	}
	c.pool.Stop()
	if c.fin != nil {
		c.fin.stop()
	}
	return c.heap.Close()
}
