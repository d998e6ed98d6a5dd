package uploader

import "time"

// estimatorWindow 是速率估算的滑动窗口长度。
// 逐分片的瞬时速率抖动明显，窗口平滑后 ETA 不会在分片之间来回跳。
const estimatorWindow = 10 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// Estimator 把 (bytesSent, timestamp) 采样流转换为平滑的速度与 ETA。
// base 是本次传输的起点偏移：续传时暂停前的字节不计入速率，
// 否则长暂停会把平均速度拉到离谱的低值。
type Estimator struct {
	startedAt time.Time
	base      int64
	samples   []sample
}

// NewEstimator 创建一个从 base 偏移开始计量的估算器。
func NewEstimator(base int64) *Estimator {
	now := time.Now()
	return &Estimator{
		startedAt: now,
		base:      base,
		samples:   []sample{{at: now, bytes: base}},
	}
}

// Sample 记录一次进度采样。
func (e *Estimator) Sample(bytesSent int64) {
	now := time.Now()
	e.samples = append(e.samples, sample{at: now, bytes: bytesSent})

	// 丢弃窗口之外的旧采样，但至少保留两个点
	cutoff := now.Add(-estimatorWindow)
	for len(e.samples) > 2 && e.samples[0].at.Before(cutoff) {
		e.samples = e.samples[1:]
	}
}

// Speed 返回当前估算的传输速度（字节/秒）。
// 优先使用窗口内的增量；窗口太短时退回到自传输起点的整体均速。
func (e *Estimator) Speed() float64 {
	if len(e.samples) >= 2 {
		first := e.samples[0]
		last := e.samples[len(e.samples)-1]
		elapsed := last.at.Sub(first.at).Seconds()
		if elapsed > 0.1 {
			return float64(last.bytes-first.bytes) / elapsed
		}
	}

	elapsed := time.Since(e.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	sent := e.samples[len(e.samples)-1].bytes - e.base
	return float64(sent) / elapsed
}

// ETA 返回预计剩余秒数。速度接近 0 时返回 (0, false)，
// 调用方应显示“未知”而不是一个被除零撑爆的数字。
func (e *Estimator) ETA(total int64) (float64, bool) {
	speed := e.Speed()
	if speed < 1 {
		return 0, false
	}
	sent := e.samples[len(e.samples)-1].bytes
	remaining := total - sent
	if remaining <= 0 {
		return 0, true
	}
	return float64(remaining) / speed, true
}
