package gc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/config"
	"github.com/tangzhangming/fgc/internal/gcstats"
)

// ============================================================================
// 回收控制器
// ============================================================================
//
// 单个后台 goroutine 串行执行回收周期。请求在锁内合并：Full 覆盖 Young，
// 同步等待者只会拿到在其请求之后开始的周期的结果。触发来源有显式请求、
// 占用水位、周期定时器、Eden 使用率超过 80% 以及 Eden 耗尽（经由分配慢速
// 路径的同步请求）。

type controller struct {
	c *Collector

	mu      sync.Mutex
	pending bool
	running bool
	stopped bool
	gen     Generation
	cause   string
	waiters []chan error

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newController(c *Collector) *controller {
	ct := &controller{
		c:    c,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go ct.loop()
	return ct
}

// request 登记请求；done 非空时周期结束后收到结果。控制器已停止时返回 false
func (ct *controller) request(gen Generation, cause string, done chan error) bool {
	ct.mu.Lock()
	if ct.stopped {
		ct.mu.Unlock()
		return false
	}
	if !ct.pending {
		ct.pending, ct.gen, ct.cause = true, gen, cause
	} else if gen == Full && ct.gen != Full {
		ct.gen, ct.cause = Full, cause
	}
	if done != nil {
		ct.waiters = append(ct.waiters, done)
	}
	ct.mu.Unlock()

	select {
	case ct.wake <- struct{}{}:
	default:
	}
	return true
}

// idle 没有排队或进行中的周期
func (ct *controller) idle() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return !ct.pending && !ct.running
}

func (ct *controller) stop() {
	ct.mu.Lock()
	if ct.stopped {
		ct.mu.Unlock()
		return
	}
	ct.stopped = true
	ct.mu.Unlock()
	close(ct.quit)
	<-ct.done
}

func (ct *controller) loop() {
	defer close(ct.done)

	var tick <-chan time.Time
	if ms := ct.c.cfg.GCIntervalMs; ms > 0 {
		t := time.NewTicker(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ct.quit:
			ct.mu.Lock()
			waiters := ct.waiters
			ct.waiters, ct.pending = nil, false
			ct.mu.Unlock()
			for _, w := range waiters {
				w <- ErrClosed
			}
			return
		case <-ct.wake:
		case <-tick:
			ct.request(ct.c.periodicGeneration(), "timer", nil)
		}

		ct.mu.Lock()
		if !ct.pending {
			ct.mu.Unlock()
			continue
		}
		gen, cause, waiters := ct.gen, ct.cause, ct.waiters
		ct.pending, ct.waiters, ct.running = false, nil, true
		ct.mu.Unlock()

		err := ct.c.runCycle(gen, cause)

		ct.mu.Lock()
		ct.running = false
		ct.mu.Unlock()
		for _, w := range waiters {
			w <- err
		}
	}
}

// periodicGeneration 定时器触发的回收范围
func (c *Collector) periodicGeneration() Generation {
	if c.gen != nil {
		return Young
	}
	return Full
}

// runCycle 执行一次回收（控制器或 Close 调用）
//
// 回收过程中的 panic（包括工作线程的 PanicError）使回收器进入永久失败状态。
func (c *Collector) runCycle(gen Generation, cause string) (err error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if err := c.err(); err != nil {
		return err
	}
	defer func() {
		if v := recover(); v != nil {
			err = c.fail(v)
		}
	}()

	if c.gen == nil {
		return c.major(cause)
	}
	if gen == Young {
		if c.gen.canCollect() {
			return c.minor(cause, false)
		}
		c.log.Debug("old generation too full for a minor collection, running a full cycle first")
		if err := c.major(cause); err != nil {
			return err
		}
		if c.gen.canCollect() {
			return c.minor(cause, false)
		}
		return nil
	}
	if c.gen.canCollect() {
		if err := c.minor(cause, true); err != nil {
			return err
		}
	}
	return c.major(cause)
}

// recordCycle 记录周期统计并输出日志
func (c *Collector) recordCycle(cy *gcstats.Cycle) {
	hs := c.heap.Stats()
	cy.HeapUsedAfter = hs.Used
	cy.HeapCommitted = hs.Committed
	c.stats.SetHeap(hs.Used, hs.Committed, hs.Max)
	c.stats.RecordCycle(*cy)

	prev := c.sizer.limit()
	softMax := c.sizer.record(cy.HeapUsedBefore, hs.Used, hs.InUse, time.Now())
	if c.cfg.AdaptiveSizing {
		c.heap.SetRetention(softMax)
	}
	if softMax != prev {
		c.log.Debug("soft max heap adjusted",
			zap.Uint64("cycle", cy.ID),
			zap.Stringer("from", config.ByteSize(prev)),
			zap.Stringer("to", config.ByteSize(softMax)),
			zap.Stringer("state", c.sizer.current()))
	}

	pause := cy.TotalPause()
	fields := []zap.Field{
		zap.Uint64("cycle", cy.ID),
		zap.String("kind", string(cy.Kind)),
		zap.String("cause", cy.Cause),
		zap.Duration("pause", pause),
		zap.Duration("total", cy.Total()),
		zap.Uint64("used_before", cy.HeapUsedBefore),
		zap.Uint64("used_after", cy.HeapUsedAfter),
		zap.Uint64("soft_max", softMax),
	}
	c.log.Info("gc cycle finished", fields...)
	if target := time.Duration(c.cfg.TargetPauseTimeMs) * time.Millisecond; pause > target {
		c.log.Warn("pause exceeded target", zap.Uint64("cycle", cy.ID), zap.Duration("pause", pause), zap.Duration("target", target))
	}
}
