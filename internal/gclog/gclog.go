// Package gclog 构造回收器使用的 zap 日志。
package gclog

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options 日志参数
type Options struct {
	Verbose bool
	JSON    bool      // JSON 编码，默认为控制台格式
	Output  io.Writer // 默认 stderr
	Level   zapcore.Level
}

// New 创建日志；非 verbose 时返回 Nop
func New(opts Options) *zap.Logger {
	if !opts.Verbose {
		return zap.NewNop()
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	enc := zap.NewDevelopmentEncoderConfig()
	var encoder zapcore.Encoder
	if opts.JSON {
		enc = zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(enc)
	} else {
		if IsTerminal(out) {
			enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(enc)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), opts.Level)
	return zap.New(core).Named("fgc")
}

// IsTerminal 输出是否为终端
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
