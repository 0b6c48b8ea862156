package config

import (
	"fmt"
	"time"
)

const windowStartLayout = "15:04:05Z07:00"

// Window 解析后的每日时间窗口
type Window struct {
	hour, min, sec int
	loc            *time.Location
	duration       time.Duration
}

// Parse 解析窗口配置
func (w WindowConfig) Parse() (Window, error) {
	t, err := time.Parse(windowStartLayout, w.Start)
	if err != nil {
		return Window{}, fmt.Errorf("解析窗口开始时间 %q 失败: %w", w.Start, err)
	}
	if w.Duration <= 0 {
		return Window{}, fmt.Errorf("窗口时长必须大于0: %v", w.Duration)
	}
	_, offset := t.Zone()
	return Window{
		hour:     t.Hour(),
		min:      t.Minute(),
		sec:      t.Second(),
		loc:      time.FixedZone("", offset),
		duration: w.Duration,
	}, nil
}

// MustParse 解析失败时panic，仅用于已校验过的配置
func (w WindowConfig) MustParse() Window {
	win, err := w.Parse()
	if err != nil {
		panic(err)
	}
	return win
}

// Bounds 返回 now 所在日期（按窗口时区）的窗口起止时间
func (w Window) Bounds(now time.Time) (time.Time, time.Time) {
	local := now.In(w.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), w.hour, w.min, w.sec, 0, w.loc)
	return start, start.Add(w.duration)
}

// Contains 判断 now 是否落在 [start, start+duration) 内
func (w Window) Contains(now time.Time) bool {
	start, end := w.Bounds(now)
	return !now.Before(start) && now.Before(end)
}

// Until 距离窗口结束的时长，已结束返回0
func (w Window) Until(now time.Time) time.Duration {
	_, end := w.Bounds(now)
	if d := end.Sub(now); d > 0 {
		return d
	}
	return 0
}
