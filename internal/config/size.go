package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/inhies/go-bytesize"
)

// ByteSize 字节数，配置文件与环境变量中可写作 "64MB"、"256 KB" 或纯数字
type ByteSize uint64

// 常用单位
const (
	KB ByteSize = 1 << 10
	MB ByteSize = 1 << 20
	GB ByteSize = 1 << 30
)

// ParseByteSize 解析字节数
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(b), nil
}

// Bytes 转为 uint64
func (b ByteSize) Bytes() uint64 { return uint64(b) }

// String 可读形式；整单位时不带小数，便于写回配置文件
func (b ByteSize) String() string {
	for _, u := range []struct {
		size ByteSize
		name string
	}{{GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if b >= u.size && b%u.size == 0 {
			return fmt.Sprintf("%d%s", b/u.size, u.name)
		}
	}
	if b < KB {
		return fmt.Sprintf("%dB", uint64(b))
	}
	return bytesize.ByteSize(b).String()
}

// Set 实现 flag.Value
func (b *ByteSize) Set(s string) error {
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalText 实现 encoding.TextMarshaler（TOML）
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler（TOML 字符串与整数）
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.Set(string(text))
}

// MarshalYAML 实现 yaml.Marshaler
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		if v < 0 {
			return fmt.Errorf("negative size %d", v)
		}
		*b = ByteSize(v)
		return nil
	case uint64:
		*b = ByteSize(v)
		return nil
	case string:
		return b.Set(v)
	default:
		return fmt.Errorf("invalid size %v", raw)
	}
}
