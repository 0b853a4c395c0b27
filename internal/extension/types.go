package extension

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/registry"
)

// Candidate 是已通过结构校验、等待加载的扩展包。
type Candidate struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Manifest     Manifest  `json:"manifest"`
	seq          uint64
}

// Key 返回大小写不敏感的名称键。
func (c Candidate) Key() string {
	return registry.NormalizeName(c.Name)
}

// Capabilities 是宿主交给扩展的能力句柄，数据读写自动限定在扩展自己的命名空间。
type Capabilities interface {
	Get(ctx context.Context, entityID, key string) (string, bool, error)
	Put(ctx context.Context, entityID, key, value string) error
	Self() registry.Descriptor
	Logger() *logrus.Entry
}

// Extension 是已加载的扩展实例。
type Extension interface {
	Descriptor() registry.Descriptor
	Enable(ctx context.Context, caps Capabilities) error
	Disable(ctx context.Context) error
}

// Invoker 由可被外部调用导出函数的扩展实现。
type Invoker interface {
	Invoke(ctx context.Context, fn string, args ...any) (any, error)
}

// Loader 根据候选包构造扩展实例。
type Loader interface {
	Load(ctx context.Context, candidate Candidate) (Extension, error)
}

// LoaderFunc 允许普通函数作为 Loader。
type LoaderFunc func(ctx context.Context, candidate Candidate) (Extension, error)

func (f LoaderFunc) Load(ctx context.Context, candidate Candidate) (Extension, error) {
	return f(ctx, candidate)
}

// DataStore 是能力句柄依赖的存储接口，datastore.Store 满足该接口。
type DataStore interface {
	Get(ctx context.Context, entityID, namespace, key string) (string, bool, error)
	Put(ctx context.Context, entityID, namespace, key, value string) error
}

// Submitter 执行后台任务，ants.Pool 满足该接口。
type Submitter interface {
	Submit(task func()) error
}

// Status 描述单次加载的结果。
type Status string

const (
	StatusLoaded        Status = "loaded"
	StatusAlreadyLoaded Status = "already_loaded"
	StatusFailed        Status = "failed"
)

// Result 是 Load 的返回值；Evicted 为随后因上限被卸载的扩展。
type Result struct {
	Name    string   `json:"name"`
	Status  Status   `json:"status"`
	Evicted []string `json:"evicted,omitempty"`
}

// Failure 记录批量加载中的单个失败。
type Failure struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Report 汇总一次 LoadAll。
type Report struct {
	BatchID string    `json:"batch_id"`
	Loaded  []string  `json:"loaded"`
	Skipped []string  `json:"skipped,omitempty"`
	Failed  []Failure `json:"failed,omitempty"`
	Evicted []string  `json:"evicted,omitempty"`
	Aborted bool      `json:"aborted"`
}

// ScanReport 汇总一次扫描。
type ScanReport struct {
	Scanned int      `json:"scanned"`
	Pending []string `json:"pending"`
	Invalid []string `json:"invalid,omitempty"`
}

// Description 是单个扩展的诊断视图。
type Description struct {
	Name      string          `json:"name"`
	State     string          `json:"state"`
	Entry     *registry.Entry `json:"entry,omitempty"`
	Candidate *Candidate      `json:"candidate,omitempty"`
}

// 扩展状态。
const (
	StateLoaded  = "loaded"
	StatePending = "pending"
)

// 卸载原因，同时用于日志与指标标签。
const (
	ReasonExplicit = "explicit"
	ReasonIdle     = "idle"
	ReasonCeiling  = "ceiling"
	ReasonShutdown = "shutdown"
)
