package clog

import (
	"fmt"
	"log/slog"
	"time"
)

// Field 是 slog.Attr 的别名
type Field = slog.Attr

func String(k, v string) Field { return slog.String(k, v) }

func Strings(k string, v []string) Field { return slog.Any(k, v) }

func Int(k string, v int) Field { return slog.Int(k, v) }

func Int64(k string, v int64) Field { return slog.Int64(k, v) }

func Uint64(k string, v uint64) Field { return slog.Uint64(k, v) }

func Float64(k string, v float64) Field { return slog.Float64(k, v) }

func Bool(k string, v bool) Field { return slog.Bool(k, v) }

func Time(k string, v time.Time) Field { return slog.Time(k, v) }

func Duration(k string, v time.Duration) Field { return slog.Duration(k, v) }

func Any(k string, v any) Field { return slog.Any(k, v) }

func Stringer(k string, v fmt.Stringer) Field {
	if v == nil {
		return slog.String(k, "<nil>")
	}
	return slog.String(k, v.String())
}

// Error 只输出错误消息，err 为 nil 时返回空字段（输出时被忽略）。
//
//	logger.Error("resolve failed", clog.Error(err))  // err_msg="no endpoints"
func Error(err error) Field {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("err_msg", err.Error())
}

// ErrorWithCode 输出 error={msg, code} 分组
func ErrorWithCode(err error, code string) Field {
	if err == nil {
		return slog.Group("error", slog.String("code", code))
	}
	return slog.Group("error",
		slog.String("msg", err.Error()),
		slog.String("code", code),
	)
}
