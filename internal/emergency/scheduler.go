package emergency

import "time"

// Timer 可取消的延时任务
type Timer interface {
	Stop() bool
}

// Scheduler 延时调度（测试中替换为手动调度器）
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealScheduler 基于 time.AfterFunc 的调度器
func RealScheduler() Scheduler {
	return realScheduler{}
}
