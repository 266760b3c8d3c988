package gc

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/heap"
)

// ============================================================================
// 堆校验
// ============================================================================
//
// 在暂停中从根出发遍历全部可达对象，检查：
//   - 每个指针指向已登记的对象起始，且所在区域不在重定位中
//   - 指针颜色是当前好颜色
//   - 对象头大小合理且不越过区域 top
//   - 分代模式下老对象指向年轻对象的字段所在卡为脏
//
// 弱引用与终结器登记的目标也要满足前两条。

// maxVerifyErrors 单次校验最多报告的错误数
const maxVerifyErrors = 32

// VerifyError 校验发现的单个问题
type VerifyError struct {
	Address uint64
	Where   string
	Reason  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("heap verification: %s -> %#x: %s", e.Where, e.Address, e.Reason)
}

// Verify 校验堆的一致性，返回发现的全部问题（multierr 合并）
//
// 调用者不能同时持有一个未阻塞的 Mutator。
func (c *Collector) Verify() error {
	if err := c.err(); err != nil {
		return err
	}
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	var err error
	var objects int
	c.sp.pause(func() {
		v := &verifier{c: c, seen: make(map[uint64]struct{})}
		v.run()
		err, objects = v.err, len(v.seen)
	})
	if err != nil {
		c.log.Warn("heap verification failed", zap.Int("errors", len(multierr.Errors(err))), zap.Int("objects", objects))
	} else {
		c.log.Debug("heap verified", zap.Int("objects", objects))
	}
	return err
}

type verifier struct {
	c     *Collector
	seen  map[uint64]struct{}
	stack []uint64
	err   error
	n     int
}

func (v *verifier) fail(addr uint64, where, format string, args ...any) {
	if v.n >= maxVerifyErrors {
		return
	}
	v.n++
	v.err = multierr.Append(v.err, &VerifyError{Address: addr, Where: where, Reason: fmt.Sprintf(format, args...)})
}

func (v *verifier) run() {
	defer func() {
		if r := recover(); r != nil {
			v.fail(0, "scan", "%v", r)
		}
	}()

	for _, s := range v.c.rootSlots() {
		v.visit(s.load(), "root")
	}
	v.c.weak.forEach(func(p colorptr.Pointer) { v.check(p, "weak ref") })
	v.c.fin.forEach(func(p colorptr.Pointer) { v.check(p, "finalizer") })

	for len(v.stack) > 0 {
		addr := v.stack[len(v.stack)-1]
		v.stack = v.stack[:len(v.stack)-1]
		v.scan(addr)
	}
}

// check 校验单个指针，合法时返回目标区域
func (v *verifier) check(p colorptr.Pointer, where string) *heap.Region {
	addr := p.Address()
	r := v.c.heap.Lookup(addr)
	switch {
	case r == nil:
		v.fail(addr, where, "not in heap")
		return nil
	case r.State() == heap.StateFree:
		v.fail(addr, where, "region %s is free", r)
		return nil
	case !r.IsObjectStart(addr):
		v.fail(addr, where, "not an object start in %s", r)
		return nil
	case r.Forwarding() != nil:
		v.fail(addr, where, "region %s still relocating", r)
	}
	if !v.c.isGood(p) {
		v.fail(addr, where, "stale color %s (good %s)", p.Color(), v.c.goodColor())
	}
	hdr := r.Header(addr)
	if hdr.Size < heap.HeaderSize || addr+hdr.Size > r.Top() {
		v.fail(addr, where, "bad header %s", hdr)
		return nil
	}
	return r
}

func (v *verifier) visit(p colorptr.Pointer, where string) {
	if p.IsNull() {
		return
	}
	if v.check(p, where) == nil {
		return
	}
	addr := p.Address()
	if _, ok := v.seen[addr]; ok {
		return
	}
	v.seen[addr] = struct{}{}
	v.stack = append(v.stack, addr)
}

func (v *verifier) scan(addr uint64) {
	r := v.c.heap.Lookup(addr)
	hdr := r.Header(addr)
	checkCards := v.c.gen != nil && r.Generation() == heap.GenOld && r.Cards() != nil
	for _, off := range v.c.layout.PointerFields(hdr) {
		field := fieldAddr(addr, hdr, off)
		p := colorptr.Pointer(r.LoadWord(field))
		if p.IsNull() {
			continue
		}
		where := fmt.Sprintf("field %#x+%d", addr, off)
		if checkCards && v.c.isYoung(p.Address()) {
			if card := int((field - r.Start()) / heap.CardSize); !r.Cards().IsDirty(card) {
				v.fail(p.Address(), where, "old-to-young reference on clean card %d", card)
			}
		}
		v.visit(p, where)
	}
}
