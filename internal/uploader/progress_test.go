package uploader

import (
	"testing"
	"time"
)

func TestEstimatorSpeedAndETA(t *testing.T) {
	est := NewEstimator(0)

	// 以可观测的节奏推进 4 次采样
	for i := 1; i <= 4; i++ {
		time.Sleep(20 * time.Millisecond)
		est.Sample(int64(i) * 1024)
	}

	speed := est.Speed()
	if speed <= 0 {
		t.Fatalf("持续推进后速度应为正, 得到 %f", speed)
	}

	eta, ok := est.ETA(8 * 1024)
	if !ok {
		t.Fatal("速度为正时 ETA 应可用")
	}
	if eta <= 0 {
		t.Errorf("剩余字节为正时 ETA 应为正, 得到 %f", eta)
	}
}

func TestEstimatorETAUnavailableWithoutProgress(t *testing.T) {
	est := NewEstimator(0)
	if _, ok := est.ETA(1024); ok {
		t.Error("没有任何进度时 ETA 应不可用, 而不是除零")
	}
}

func TestEstimatorETADoneWhenNothingRemains(t *testing.T) {
	est := NewEstimator(0)
	time.Sleep(20 * time.Millisecond)
	est.Sample(4096)

	eta, ok := est.ETA(4096)
	if !ok {
		t.Fatal("已全部发送时 ETA 应可用")
	}
	if eta != 0 {
		t.Errorf("没有剩余字节时 ETA 应为 0, 得到 %f", eta)
	}
}

// 续传时暂停前的字节以 base 形式传入, 不应抬高速率。
func TestEstimatorIgnoresBaseOffset(t *testing.T) {
	est := NewEstimator(1 << 30)
	time.Sleep(20 * time.Millisecond)
	est.Sample(1<<30 + 1024)

	// 1GB 的 base 若被计入, 速度会是天文数字
	if speed := est.Speed(); speed > 10*1024*1024 {
		t.Errorf("base 偏移被计入了速率: %f", speed)
	}
}
