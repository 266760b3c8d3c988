// Package config 定义回收器的初始化参数，以及从 TOML/YAML 文件和环境变量
// 加载参数的方法。
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
)

// 配置文件名
const (
	ConfigFileName = "fgc.toml"
)

// 写屏障策略
const (
	BarrierAuto = "auto" // 分代模式下用卡表，否则用 SATB
	BarrierSATB = "satb"
	BarrierCard = "card"
)

// 多视图映射策略
const (
	MappingAuto   = "auto"
	MappingMulti  = "multi"
	MappingSingle = "single"
	MappingGo     = "go"
)

// MaxTenureThreshold 年龄上限（对象头 4 位）
const MaxTenureThreshold = 15

// Config 回收器参数
type Config struct {
	// 堆大小
	MaxHeapSize     ByteSize `toml:"max_heap_size" yaml:"max_heap_size"`
	MinHeapSize     ByteSize `toml:"min_heap_size" yaml:"min_heap_size"`
	InitialHeapSize ByteSize `toml:"initial_heap_size" yaml:"initial_heap_size"`

	// AdaptiveSizing 按回收后的占用在最小与最大堆之间调整软上限
	AdaptiveSizing bool `toml:"adaptive_sizing" yaml:"adaptive_sizing"`

	// TargetPauseTimeMs 目标停顿时间，用于告警与诊断
	TargetPauseTimeMs uint64 `toml:"target_pause_time_ms" yaml:"target_pause_time_ms"`

	// GCThreads 回收线程数，0 表示自动（CPU 核心数的一半，最多 4）
	GCThreads int `toml:"gc_threads" yaml:"gc_threads"`

	// 分代
	Generational    bool    `toml:"generational" yaml:"generational"`
	YoungRatio      float64 `toml:"young_ratio" yaml:"young_ratio"`
	TenureThreshold int     `toml:"tenure_threshold" yaml:"tenure_threshold"`

	// TLAB
	TLABEnabled bool     `toml:"tlab_enabled" yaml:"tlab_enabled"`
	TLABSize    ByteSize `toml:"tlab_size" yaml:"tlab_size"`
	TLABMinSize ByteSize `toml:"tlab_min_size" yaml:"tlab_min_size"`
	TLABMaxSize ByteSize `toml:"tlab_max_size" yaml:"tlab_max_size"`
	TLABResize  bool     `toml:"tlab_resize" yaml:"tlab_resize"`

	// NUMAAware 仅记录，当前不做节点绑定
	NUMAAware bool `toml:"numa_aware" yaml:"numa_aware"`

	// 区域
	SmallRegionSize  ByteSize `toml:"small_region_size" yaml:"small_region_size"`
	MediumRegionSize ByteSize `toml:"medium_region_size" yaml:"medium_region_size"`
	SmallThreshold   ByteSize `toml:"small_threshold" yaml:"small_threshold"`
	LargeThreshold   ByteSize `toml:"large_threshold" yaml:"large_threshold"`

	// 触发
	TriggerOccupancy float64 `toml:"trigger_occupancy" yaml:"trigger_occupancy"`
	GCIntervalMs     uint64  `toml:"gc_interval_ms" yaml:"gc_interval_ms"`

	WriteBarrier string `toml:"write_barrier" yaml:"write_barrier"`
	MultiMapping string `toml:"multi_mapping" yaml:"multi_mapping"`

	// 诊断
	Verbose      bool `toml:"verbose" yaml:"verbose"`
	StatsHistory int  `toml:"stats_history" yaml:"stats_history"`
}

// Default 默认配置
func Default() Config {
	return Config{
		MaxHeapSize:       256 * MB,
		MinHeapSize:       64 * MB,
		InitialHeapSize:   64 * MB,
		AdaptiveSizing:    true,
		TargetPauseTimeMs: 10,
		GCThreads:         0,
		Generational:      true,
		YoungRatio:        0.3,
		TenureThreshold:   9,
		TLABEnabled:       true,
		TLABSize:          256 * KB,
		TLABMinSize:       16 * KB,
		TLABMaxSize:       2 * MB,
		TLABResize:        true,
		NUMAAware:         false,
		SmallRegionSize:   2 * MB,
		MediumRegionSize:  32 * MB,
		SmallThreshold:    256,
		LargeThreshold:    4 * KB,
		TriggerOccupancy:  0.75,
		GCIntervalMs:      0,
		WriteBarrier:      BarrierAuto,
		MultiMapping:      MappingAuto,
		Verbose:           false,
		StatsHistory:      64,
	}
}

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid gc config")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func isPowerOfTwo(v ByteSize) bool {
	return v != 0 && bits.OnesCount64(uint64(v)) == 1
}

// Validate 校验各参数的取值范围与相互关系
func (c *Config) Validate() error {
	// 堆大小
	if c.MaxHeapSize == 0 {
		return invalid("max_heap_size must be > 0")
	}
	if c.MinHeapSize > c.MaxHeapSize {
		return invalid("min_heap_size cannot exceed max_heap_size")
	}
	if c.InitialHeapSize < c.MinHeapSize || c.InitialHeapSize > c.MaxHeapSize {
		return invalid("initial_heap_size must be between min and max heap size")
	}

	// 分代
	if c.YoungRatio < 0.05 || c.YoungRatio > 0.9 {
		return invalid("young_ratio must be between 0.05 and 0.9")
	}
	if c.TenureThreshold < 0 || c.TenureThreshold > MaxTenureThreshold {
		return invalid("tenure_threshold must be between 0 and %d", MaxTenureThreshold)
	}

	// TLAB
	if c.TLABMinSize > c.TLABMaxSize {
		return invalid("tlab_min_size must be <= tlab_max_size")
	}
	if c.TLABSize < c.TLABMinSize {
		return invalid("tlab_size must be >= tlab_min_size")
	}
	if c.TLABSize > c.TLABMaxSize {
		return invalid("tlab_size must be <= tlab_max_size")
	}

	// 区域
	if !isPowerOfTwo(c.SmallRegionSize) || c.SmallRegionSize < 16*KB {
		return invalid("small_region_size must be a power of two >= 16KB")
	}
	if c.MediumRegionSize < c.SmallRegionSize || c.MediumRegionSize%c.SmallRegionSize != 0 {
		return invalid("medium_region_size must be a multiple of small_region_size")
	}
	if c.MaxHeapSize < c.SmallRegionSize {
		return invalid("max_heap_size must hold at least one small region")
	}
	if c.SmallThreshold == 0 || c.SmallThreshold >= c.LargeThreshold {
		return invalid("small_threshold must be > 0 and < large_threshold")
	}
	if c.SmallThreshold > c.SmallRegionSize/8 {
		return invalid("small_threshold must be <= small_region_size/8")
	}
	if c.LargeThreshold > c.MediumRegionSize/8 {
		return invalid("large_threshold must be <= medium_region_size/8")
	}

	// 线程与触发
	if c.GCThreads < 0 {
		return invalid("gc_threads must be >= 0")
	}
	if c.TargetPauseTimeMs == 0 {
		return invalid("target_pause_time_ms must be > 0")
	}
	if c.TriggerOccupancy <= 0 || c.TriggerOccupancy > 1 {
		return invalid("trigger_occupancy must be in (0, 1]")
	}

	switch c.WriteBarrier {
	case BarrierAuto, BarrierSATB, BarrierCard:
	default:
		return invalid("unknown write_barrier %q", c.WriteBarrier)
	}
	switch c.MultiMapping {
	case MappingAuto, MappingMulti, MappingSingle, MappingGo:
	default:
		return invalid("unknown multi_mapping %q", c.MultiMapping)
	}
	if c.WriteBarrier == BarrierSATB && c.Generational {
		return invalid("generational mode needs the card-marking barrier")
	}
	return nil
}

// Threads 实际使用的回收线程数
func (c *Config) Threads() int {
	if c.GCThreads > 0 {
		return c.GCThreads
	}
	return max(1, min(4, runtime.NumCPU()/2))
}

// Barrier 实际使用的写屏障策略
func (c *Config) Barrier() string {
	if c.WriteBarrier != BarrierAuto {
		return c.WriteBarrier
	}
	if c.Generational {
		return BarrierCard
	}
	return BarrierSATB
}

// YoungSize 年轻代大小（Eden 加两个 Survivor）
func (c *Config) YoungSize() uint64 {
	if !c.Generational {
		return 0
	}
	return uint64(float64(c.MaxHeapSize) * c.YoungRatio)
}
