package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

// Load 从文件加载配置，未出现的字段保留默认值
//
// 按扩展名选择格式：.yaml/.yml 为 YAML，其余为 TOML。
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, &cfg)
	default:
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		out, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		data = out
	default:
		data = []byte(generateConfigWithComments(c))
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Format 带注释的 TOML 文本，与 Save 写出的内容相同
func Format(c *Config) string {
	return generateConfigWithComments(c)
}

// generateConfigWithComments 生成带注释的 TOML
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder
	section := func(comment string) { sb.WriteString("\n# " + comment + "\n") }
	value := func(comment, key string, v any) {
		if comment != "" {
			sb.WriteString("# " + comment + "\n")
		}
		switch x := v.(type) {
		case string:
			fmt.Fprintf(&sb, "%s = %q\n", key, x)
		case ByteSize:
			fmt.Fprintf(&sb, "%s = %q\n", key, x.String())
		default:
			fmt.Fprintf(&sb, "%s = %v\n", key, x)
		}
	}

	sb.WriteString("# FGC 回收器配置\n")
	section("堆大小（可写作 64MB、1GB 等）")
	value("", "max_heap_size", c.MaxHeapSize)
	value("", "min_heap_size", c.MinHeapSize)
	value("", "initial_heap_size", c.InitialHeapSize)
	value("按回收后的占用调整软上限", "adaptive_sizing", c.AdaptiveSizing)
	section("停顿与线程")
	value("目标停顿时间（毫秒）", "target_pause_time_ms", c.TargetPauseTimeMs)
	value("回收线程数，0 表示自动", "gc_threads", c.GCThreads)
	section("分代")
	value("", "generational", c.Generational)
	value("年轻代占最大堆的比例", "young_ratio", c.YoungRatio)
	value("晋升年龄（0-15）", "tenure_threshold", c.TenureThreshold)
	section("TLAB")
	value("", "tlab_enabled", c.TLABEnabled)
	value("", "tlab_size", c.TLABSize)
	value("", "tlab_min_size", c.TLABMinSize)
	value("", "tlab_max_size", c.TLABMaxSize)
	value("", "tlab_resize", c.TLABResize)
	value("", "numa_aware", c.NUMAAware)
	section("区域")
	value("", "small_region_size", c.SmallRegionSize)
	value("", "medium_region_size", c.MediumRegionSize)
	value("", "small_threshold", c.SmallThreshold)
	value("", "large_threshold", c.LargeThreshold)
	section("触发")
	value("堆占用超过此比例时启动回收", "trigger_occupancy", c.TriggerOccupancy)
	value("周期性回收间隔（毫秒），0 表示关闭", "gc_interval_ms", c.GCIntervalMs)
	section("屏障与映射")
	value("auto | satb | card", "write_barrier", c.WriteBarrier)
	value("auto | multi | single | go", "multi_mapping", c.MultiMapping)
	section("诊断")
	value("", "verbose", c.Verbose)
	value("", "stats_history", c.StatsHistory)
	return sb.String()
}

// 环境变量
const (
	EnvMaxHeap   = "FGC_MAX_HEAP"
	EnvMinHeap   = "FGC_MIN_HEAP"
	EnvPauseTime = "FGC_PAUSE_TIME_MS"
	EnvGCThreads = "FGC_GC_THREADS"
	EnvVerbose   = "FGC_VERBOSE"
	EnvOpts      = "FGC_OPTS"
)

// ApplyEnv 用环境变量覆盖配置
//
// 无法解析的值返回错误，已应用的覆盖保留。
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvMaxHeap); v != "" {
		if err := c.MaxHeapSize.Set(v); err != nil {
			return fmt.Errorf("%s: %w", EnvMaxHeap, err)
		}
	}
	if v := getenv(EnvMinHeap); v != "" {
		if err := c.MinHeapSize.Set(v); err != nil {
			return fmt.Errorf("%s: %w", EnvMinHeap, err)
		}
	}
	if v := getenv(EnvPauseTime); v != "" {
		ms, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPauseTime, err)
		}
		c.TargetPauseTimeMs = ms
	}
	if v := getenv(EnvGCThreads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvGCThreads, err)
		}
		c.GCThreads = n
	}
	if v := getenv(EnvVerbose); v != "" {
		c.Verbose = v == "1" || strings.EqualFold(v, "true")
	}
	if v := getenv(EnvOpts); v != "" {
		args, err := shlex.Split(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvOpts, err)
		}
		if err := c.ParseFlags(args); err != nil {
			return fmt.Errorf("%s: %w", EnvOpts, err)
		}
	}
	return nil
}

// FlagSet 把配置字段注册为命令行参数
func (c *Config) FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Var(&c.MaxHeapSize, "max-heap", "maximum heap size")
	fs.Var(&c.MinHeapSize, "min-heap", "minimum committed heap size")
	fs.Var(&c.InitialHeapSize, "initial-heap", "initial heap size")
	fs.BoolVar(&c.AdaptiveSizing, "adaptive", c.AdaptiveSizing, "adjust the soft heap limit after each cycle")
	fs.Uint64Var(&c.TargetPauseTimeMs, "pause-time-ms", c.TargetPauseTimeMs, "target pause time")
	fs.IntVar(&c.GCThreads, "gc-threads", c.GCThreads, "collector threads (0 = auto)")
	fs.BoolVar(&c.Generational, "generational", c.Generational, "enable generational mode")
	fs.Float64Var(&c.YoungRatio, "young-ratio", c.YoungRatio, "young generation share of the heap")
	fs.IntVar(&c.TenureThreshold, "tenure-threshold", c.TenureThreshold, "promotion age")
	fs.BoolVar(&c.TLABEnabled, "tlab", c.TLABEnabled, "enable thread-local allocation buffers")
	fs.Var(&c.TLABSize, "tlab-size", "initial TLAB size")
	fs.Var(&c.SmallRegionSize, "small-region", "small region size")
	fs.Var(&c.MediumRegionSize, "medium-region", "medium region size")
	fs.Float64Var(&c.TriggerOccupancy, "trigger", c.TriggerOccupancy, "occupancy that starts a cycle")
	fs.Uint64Var(&c.GCIntervalMs, "interval-ms", c.GCIntervalMs, "periodic collection interval (0 = off)")
	fs.StringVar(&c.WriteBarrier, "write-barrier", c.WriteBarrier, "auto | satb | card")
	fs.StringVar(&c.MultiMapping, "mapping", c.MultiMapping, "auto | multi | single | go")
	fs.BoolVar(&c.Verbose, "verbose", c.Verbose, "verbose gc logging")
	return fs
}

// ParseFlags 解析参数列表覆盖配置
func (c *Config) ParseFlags(args []string) error {
	fs := c.FlagSet("fgc")
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments %q", fs.Args())
	}
	return nil
}
