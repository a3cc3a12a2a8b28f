package scheduler

import "time"

// Clock 可注入时钟。监听循环的所有时间判断都经过它，
// 测试用假时钟驱动循环而不真实等待。
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewRealClock 返回基于系统时间的时钟。
func NewRealClock() Clock { return realClock{} }
