// fgcbench - FGC 回收器负载测试工具
//
// 用法:
//   fgcbench run [options] [-- gc-flags]   # 运行负载并输出统计
//   fgcbench report result.json            # 查看已保存的结果
//   fgcbench diff base.json current.json   # 对比两次结果
//   fgcbench config [-o fgc.toml]          # 输出默认配置

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/fgc/internal/config"
	"github.com/tangzhangming/fgc/internal/gc"
	"github.com/tangzhangming/fgc/internal/gclog"
	"github.com/tangzhangming/fgc/internal/gcstats"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "fgcbench"
)

// 命令行选项
var (
	// 通用选项
	helpFlag    = flag.Bool("help", false, "显示帮助信息")
	versionFlag = flag.Bool("version", false, "显示版本信息")
	verboseFlag = flag.Bool("verbose", false, "输出回收器日志")
	outputFlag  = flag.String("o", "", "输出文件")
	jsonFlag    = flag.Bool("json", false, "以 JSON 输出结果")
	configFlag  = flag.String("config", "", "回收器配置文件 (.toml/.yaml)")

	// 负载选项
	workloadFlag = flag.String("workload", "mixed", "负载类型: list, tree, churn, mixed")
	mutatorsFlag = flag.Int("mutators", 4, "mutator goroutine 数")
	durationFlag = flag.Duration("duration", 5*time.Second, "运行时长")
	liveFlag     = flag.Int("live", 20000, "每个 mutator 保持存活的对象数")
	verifyFlag   = flag.Bool("verify", false, "结束时校验堆")
	seedFlag     = flag.Int64("seed", 1, "随机种子")

	// 报告选项
	topFlag = flag.Int("top", 10, "显示分配最多的前 N 个类型")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	var err error
	switch cmd {
	case "run":
		err = runBench(cmdArgs)
	case "report":
		err = showReport(cmdArgs)
	case "diff":
		err = diffResults(cmdArgs)
	case "config":
		err = writeConfig()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - FGC 回收器负载测试工具 v%s

用法:
  %s [选项] <命令> [参数]

命令:
  run       运行负载并输出回收统计
  report    查看已保存的结果
  diff      对比两次结果
  config    输出默认配置
  help      显示帮助信息

选项:
`, Name, Version, Name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
回收器参数可以写在 -- 之后，或通过环境变量 %s 传入:
  %s -workload tree -duration 10s run -- -max-heap 128MB -generational=false

示例:
  # 运行混合负载并保存结果
  %s -o base.json run

  # 对比两次结果
  %s diff base.json current.json
`, config.EnvOpts, Name, Name, Name)
}

// ============================================================================
// run
// ============================================================================

// runBench 运行负载
func runBench(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if *verboseFlag {
		cfg.Verbose = true
	}
	w, ok := workloads[*workloadFlag]
	if !ok {
		return fmt.Errorf("未知的负载类型: %s", *workloadFlag)
	}

	log := gclog.New(gclog.Options{Verbose: cfg.Verbose})
	defer log.Sync()
	c, err := gc.New(cfg, gc.WithLogger(log))
	if err != nil {
		return err
	}

	opts := workloadOptions{
		Mutators: *mutatorsFlag,
		Duration: *durationFlag,
		Live:     *liveFlag,
		Seed:     *seedFlag,
	}
	res, runErr := runWorkload(c, w, opts)
	if runErr == nil && *verifyFlag {
		if err := c.Verify(); err != nil {
			runErr = fmt.Errorf("堆校验失败: %w", err)
		} else {
			res.Verified = true
		}
	}
	res.Version = Version
	res.Workload = *workloadFlag
	res.Config = cfg
	res.Summary = c.Stats()
	res.Cycles = c.Cycles()
	res.Classes = c.AllocationsByClass()
	res.Health = c.Health().Status.String()
	res.SoftMax = c.SoftMaxHeap()

	closeErr := c.Close()
	if errors.Is(closeErr, gc.ErrCollectorFailed) {
		closeErr = nil // 失败原因已在 runErr 中
	}

	if *outputFlag != "" {
		if err := saveResult(res, *outputFlag); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "结果已保存到: %s\n", *outputFlag)
	}
	if *jsonFlag {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printResult(res)
	}
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// loadConfig 默认配置 < 配置文件 < 环境变量 < 命令行
func loadConfig(args []string) (config.Config, error) {
	cfg := config.Default()
	path := *configFlag
	if path == "" {
		if _, err := os.Stat(config.ConfigFileName); err == nil {
			path = config.ConfigFileName
		}
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return cfg, err
	}
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if err := cfg.ParseFlags(args); err != nil {
		return cfg, fmt.Errorf("回收器参数: %w", err)
	}
	return cfg, cfg.Validate()
}

// ============================================================================
// report / diff / config
// ============================================================================

// showReport 查看已保存的结果
func showReport(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("请指定结果文件")
	}
	res, err := loadResult(args[0])
	if err != nil {
		return err
	}
	printResult(res)
	printCycles(res.Cycles)
	if len(res.Classes) > 0 {
		fmt.Println()
		gcstats.WriteTop(os.Stdout, res.Classes, *topFlag)
	}
	return nil
}

// diffResults 对比两次结果
func diffResults(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("请指定两个结果文件")
	}
	base, err := loadResult(args[0])
	if err != nil {
		return fmt.Errorf("加载基准结果失败: %w", err)
	}
	cur, err := loadResult(args[1])
	if err != nil {
		return fmt.Errorf("加载当前结果失败: %w", err)
	}

	fmt.Printf("结果对比:\n")
	fmt.Printf("  基准: %s (%s)\n", args[0], base.Workload)
	fmt.Printf("  当前: %s (%s)\n\n", args[1], cur.Workload)

	rows := []struct {
		name      string
		base, cur float64
	}{
		{"吞吐 (ops/s)", base.Throughput, cur.Throughput},
		{"平均停顿 (ms)", base.Summary.AvgPauseMs, cur.Summary.AvgPauseMs},
		{"P99 停顿 (ms)", base.Summary.P99PauseMs, cur.Summary.P99PauseMs},
		{"最大停顿 (ms)", base.Summary.MaxPauseMs, cur.Summary.MaxPauseMs},
		{"回收开销", base.Summary.GCOverheadRatio, cur.Summary.GCOverheadRatio},
		{"周期数", float64(base.Summary.TotalCycles), float64(cur.Summary.TotalCycles)},
	}
	fmt.Printf("%-16s %14s %14s %10s\n", "指标", "基准", "当前", "变化")
	fmt.Printf("%s\n", strings.Repeat("-", 58))
	for _, r := range rows {
		fmt.Printf("%-16s %14.3f %14.3f %10s\n", r.name, r.base, r.cur, change(r.base, r.cur))
	}
	return nil
}

func change(base, cur float64) string {
	if base == 0 {
		return "-"
	}
	diff := (cur - base) / base * 100
	sign := "+"
	if diff < 0 {
		sign = ""
	}
	return fmt.Sprintf("%s%.1f%%", sign, diff)
}

// writeConfig 输出默认配置
func writeConfig() error {
	cfg := config.Default()
	if *outputFlag == "" {
		fmt.Print(config.Format(&cfg))
		return nil
	}
	if err := cfg.Save(*outputFlag); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "配置已保存到: %s\n", *outputFlag)
	return nil
}

// ============================================================================
// 结果
// ============================================================================

// Result 一次运行的结果
type Result struct {
	Version  string        `json:"version"`
	Workload string        `json:"workload"`
	Config   config.Config `json:"config"`

	Duration   time.Duration `json:"duration_ns"`
	Operations uint64        `json:"operations"`
	Throughput float64       `json:"throughput"`
	Corrupted  uint64        `json:"corrupted"`
	Verified   bool          `json:"verified"`
	Health     string        `json:"health"`
	SoftMax    uint64        `json:"soft_max_heap"`

	Summary gcstats.Summary      `json:"summary"`
	Cycles  []gcstats.Cycle      `json:"cycles"`
	Classes []gcstats.ClassStats `json:"classes"`
}

func loadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &res, nil
}

func saveResult(res *Result, path string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func printResult(res *Result) {
	color := gclog.IsTerminal(os.Stdout)
	fmt.Printf("=== %s: %s ===\n", Name, res.Workload)
	fmt.Printf("时长:   %s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("操作:   %d (%.0f ops/s)\n", res.Operations, res.Throughput)
	fmt.Printf("健康:   %s\n", res.Health)
	if res.SoftMax > 0 {
		fmt.Printf("软上限: %s\n", config.ByteSize(res.SoftMax))
	}
	if res.Corrupted > 0 {
		fmt.Printf("数据:   %s\n", paint(color, red, fmt.Sprintf("%d 个对象内容损坏", res.Corrupted)))
	} else {
		fmt.Printf("数据:   %s\n", paint(color, green, "完整"))
	}
	if res.Verified {
		fmt.Printf("校验:   %s\n", paint(color, green, "通过"))
	}
	fmt.Println()
	fmt.Print(res.Summary.String())
	fmt.Println()
}

func printCycles(cycles []gcstats.Cycle) {
	if len(cycles) == 0 {
		return
	}
	fmt.Printf("%-6s %-6s %-10s %12s %12s %10s %8s\n", "周期", "类型", "原因", "停顿", "总耗时", "复制", "重定位")
	fmt.Printf("%s\n", strings.Repeat("-", 72))
	for i := range cycles {
		cy := &cycles[i]
		fmt.Printf("%-6d %-6s %-10s %12s %12s %10d %8d\n",
			cy.ID, cy.Kind, truncateName(cy.Cause, 10),
			cy.TotalPause().Round(time.Microsecond), cy.Total().Round(time.Microsecond),
			cy.ObjectsCopied, cy.RelocationSet)
	}
}

const (
	red   = "\033[31m"
	green = "\033[32m"
	reset = "\033[0m"
)

func paint(enabled bool, color, s string) string {
	if !enabled {
		return s
	}
	return color + s + reset
}

func truncateName(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
