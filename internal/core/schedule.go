package core

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// scheduleLocked 注册空闲回收与缓存清扫。cron 负责节拍，任务本身提交到 worker pool；
// 上一轮未结束时本轮跳过。
func (c *Core) scheduleLocked() error {
	c.scheduler = cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(c.logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(c.logger)),
	))

	manager := c.manager
	if err := c.every(c.cfg.Extensions.SweepInterval.DurationValue(), "extension_idle_sweep", func(ctx context.Context) {
		if manager.ShuttingDown() {
			return
		}
		if unloaded := manager.SweepIdle(ctx); len(unloaded) > 0 {
			c.logger.WithFields(logrus.Fields{
				"action":   "extension_idle_sweep",
				"unloaded": unloaded,
			}).Info("空闲扩展已卸载")
		}
	}); err != nil {
		return err
	}

	if !c.cfg.Caching.Enabled {
		return nil
	}
	store := c.store
	return c.every(c.cfg.Caching.CacheTTL(), "cache_sweep", func(context.Context) {
		store.Sweep()
	})
}

func (c *Core) every(interval time.Duration, action string, task func(context.Context)) error {
	ctx := c.ctx
	pool := c.pool
	_, err := c.scheduler.AddFunc("@every "+interval.String(), func() {
		if ctx.Err() != nil {
			return
		}
		done := make(chan struct{})
		if err := pool.Submit(func() {
			defer close(done)
			task(ctx)
		}); err != nil {
			c.logger.WithField("action", action).WithError(err).Warn("提交后台任务失败")
			return
		}
		<-done
	})
	if err != nil {
		return fmt.Errorf("注册定时任务 %s 失败: %w", action, err)
	}
	return nil
}
