// internal/service/odf/interfaces/lock_sweeper.go
package interfaces

import (
	"context"
	"sync"
	"time"

	"odf/internal/pkg/logger"
)

// Sweeper 删除过期锁
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// LockSweeper 是一个驱动适配器，定时清理过期锁。加锁前的清理仍然保留。
type LockSweeper struct {
	sweeper  Sweeper
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewLockSweeper(sweeper Sweeper, interval time.Duration) *LockSweeper {
	return &LockSweeper{sweeper: sweeper, interval: interval}
}

// Start 启动后台清理，直到 ctx 取消或调用 Stop
func (s *LockSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("lock sweeper started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.sweeper.SweepExpired(ctx); err != nil && ctx.Err() == nil {
					logger.Ctx(ctx).Error().Err(err).Msg("background lock sweep failed")
				}
			}
		}
	}()
}

// Stop 等待后台清理退出
func (s *LockSweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	logger.Ctx(ctx).Info().Msg("lock sweeper stopped")
	return nil
}
