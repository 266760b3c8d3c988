package gcstats

import "time"

// Timer 阶段计时器
type Timer struct {
	start time.Time
}

// StartTimer 开始计时
func StartTimer() Timer {
	return Timer{start: time.Now()}
}

// Elapsed 已经过的时长
func (t Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// Lap 返回已过时长并重新开始计时
func (t *Timer) Lap() time.Duration {
	now := time.Now()
	d := now.Sub(t.start)
	t.start = now
	return d
}

// Measure 执行 fn 并返回耗时
func Measure(fn func()) time.Duration {
	t := StartTimer()
	fn()
	return t.Elapsed()
}

// Millis 转为毫秒浮点数
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
