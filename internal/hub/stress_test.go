package hub

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// StressTestConfig 压力测试配置
type StressTestConfig struct {
	Sessions     int           // 常驻会话数
	ChurnWorkers int           // 并发加入/离开的工作者数量
	FrameRate    int           // 每秒帧数
	TestDuration time.Duration // 测试持续时间
}

func DefaultStressConfig() StressTestConfig {
	return StressTestConfig{
		Sessions:     500,
		ChurnWorkers: 20,
		FrameRate:    200,
		TestDuration: 2 * time.Second,
	}
}

// 高频广播与会话频繁进出同时进行
func TestStress_BroadcastWithChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("跳过压力测试 (使用 -short 标志)")
	}
	cfg := DefaultStressConfig()
	h := newTestHub(t, nil, nil)
	runHub(t, h)

	var startMem, endMem runtime.MemStats
	runtime.ReadMemStats(&startMem)

	stable := make([]*fakeReceiver, cfg.Sessions)
	for i := range stable {
		stable[i] = newFakeReceiver(fmt.Sprintf("stable-%d", i))
		_ = h.Register(stable[i])
	}

	stop := make(chan struct{})
	var churnOps atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < cfg.ChurnWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				r := newFakeReceiver(fmt.Sprintf("churn-%d-%d", w, i))
				_ = h.Register(r)
				_, _ = h.Pull(r)
				h.Unregister(r)
				churnOps.Add(1)
			}
		}(w)
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.FrameRate))
	deadline := time.After(cfg.TestDuration)
	produced := 0
loop:
	for {
		select {
		case <-ticker.C:
			produced++
			h.OnTextFrame(fmt.Sprintf("frame-%d", produced))
		case <-deadline:
			break loop
		}
	}
	ticker.Stop()
	close(stop)
	wg.Wait()

	// 最后一帧一定会被广播给所有常驻会话
	last := fmt.Sprintf("frame-%d", produced)
	assert.Eventually(t, func() bool {
		st := h.Stats()
		if st.FramesPublished+st.InboxDrops != uint64(produced) {
			return false
		}
		for _, r := range stable {
			got := r.payloads()
			if len(got) == 0 || got[len(got)-1] != last {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "every frame is either broadcast or superseded")
	assert.Equal(t, cfg.Sessions, h.GetClientCount())

	st := h.Stats()
	runtime.ReadMemStats(&endMem)
	t.Logf("frames produced=%d published=%d dropped=%d churn ops=%d heap delta=%dKB",
		produced, st.FramesPublished, st.InboxDrops, churnOps.Load(),
		(int64(endMem.HeapAlloc)-int64(startMem.HeapAlloc))/1024)
}
