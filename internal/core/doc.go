// Package core 按依赖顺序装配宿主核心：连接池 → 数据存储 → 注册表 → 扩展管理器，
// 并通过 cron 调度空闲回收与缓存清扫，任务在 ants worker pool 中执行。
// 关闭顺序与装配顺序相反。
package core
