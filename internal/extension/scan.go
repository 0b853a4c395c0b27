package extension

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/logging"
	"github.com/ghast-core/ghast-core/internal/registry"
)

// Scan 重建待加载集合。配置异步扫描且注入了 worker pool 时提交后台任务并立即返回，
// 已有后台扫描在运行时返回 ErrScanInProgress。
func (m *Manager) Scan(ctx context.Context) error {
	if m.shutdown.Load() {
		return ErrShuttingDown
	}
	if !m.opts.AsyncScan || m.pool == nil {
		_, err := m.ScanSync(ctx)
		return err
	}
	if !m.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}

	bg := context.WithoutCancel(ctx)
	err := m.pool.Submit(func() {
		defer m.scanning.Store(false)
		if _, err := m.ScanSync(bg); err != nil && !errors.Is(err, ErrShuttingDown) {
			m.logger.WithFields(logrus.Fields{"action": "extension_scan"}).WithError(err).Warn("后台扫描失败")
		}
	})
	if err != nil {
		m.scanning.Store(false)
		return fmt.Errorf("提交扫描任务失败: %w", err)
	}
	return nil
}

// Scanning 表示后台扫描是否仍在运行。
func (m *Manager) Scanning() bool {
	return m.scanning.Load()
}

// ScanSync 在当前 goroutine 中完成扫描。结构不合法的包记录日志后跳过；
// 每个文件处理前检查关闭标志。
func (m *Manager) ScanSync(ctx context.Context) (ScanReport, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	var report ScanReport
	if m.shutdown.Load() {
		return report, ErrShuttingDown
	}

	paths, err := m.discover(ctx)
	if err != nil {
		return report, err
	}
	report.Scanned = len(paths)

	candidates := make([]Candidate, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, pkgPath := range paths {
		if m.shutdown.Load() {
			return report, ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		manifest, err := ReadManifest(pkgPath)
		if err == nil && !manifest.SupportsHost(m.opts.HostVersion) {
			err = &ValidationError{
				Path:   pkgPath,
				Reason: fmt.Sprintf("requires host %s, running %s", strings.Join(manifest.HostVersions, "|"), m.opts.HostVersion),
			}
		}
		if err == nil {
			if first, dup := seen[registry.NormalizeName(manifest.Name)]; dup {
				err = &ValidationError{Path: pkgPath, Reason: "duplicate extension name, already provided by " + first}
			}
		}
		if err != nil {
			report.Invalid = append(report.Invalid, pkgPath)
			m.metrics.ExtensionEvent("reject", "validation")
			m.logger.WithFields(logging.ExtensionFields("extension_validate", manifest.Name, manifest.Version, pkgPath)).
				WithError(err).Warn("扩展包校验失败，已跳过")
			continue
		}

		seen[registry.NormalizeName(manifest.Name)] = pkgPath
		candidates = append(candidates, Candidate{
			Name:         manifest.Name,
			Path:         pkgPath,
			DiscoveredAt: m.now(),
			Manifest:     manifest,
		})
	}

	report.Pending = m.commitPending(candidates)
	m.logger.WithFields(logrus.Fields{
		"action":    "extension_scan",
		"directory": m.opts.Directory,
		"scanned":   report.Scanned,
		"pending":   len(report.Pending),
		"invalid":   len(report.Invalid),
	}).Info("扩展扫描完成")
	return report, nil
}

// commitPending 用本次扫描结果替换待加载集合，已加载的名称不会进入集合。
func (m *Manager) commitPending(candidates []Candidate) []string {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	keep := make(map[string]struct{}, len(candidates))
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		key := c.Key()
		if m.registry.Contains(key) {
			continue
		}
		c.seq = m.seq.Add(1)
		keep[key] = struct{}{}
		m.pending.Set(key, c)
		names = append(names, c.Name)
	}
	for _, key := range m.pending.Keys() {
		if _, ok := keep[key]; !ok {
			m.pending.Remove(key)
		}
	}
	m.updateGauges()
	return names
}

// discover 返回按路径排序的扩展包列表。
func (m *Manager) discover(ctx context.Context) ([]string, error) {
	root := m.opts.Directory
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取扩展目录失败: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("扩展目录 %s 不是目录", root)
	}

	var paths []string
	if m.opts.RecursiveScan {
		paths, err = m.walk(ctx, root)
	} else {
		paths, err = m.list(root)
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Manager) list(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("读取扩展目录失败: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && m.isPackage(entry.Name()) {
			paths = append(paths, filepath.Join(root, entry.Name()))
		}
	}
	return paths, nil
}

// walk 递归扫描。root 本身算第 1 层，MaxScanDepth 为 N 时最多进入 N-1 层子目录。
func (m *Manager) walk(ctx context.Context, root string) ([]string, error) {
	var (
		mu    sync.Mutex
		paths []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if m.shutdown.Load() {
			return ErrShuttingDown
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if p == root {
				return nil
			}
			if depth(root, p) >= m.opts.MaxScanDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && m.isPackage(d.Name()) {
			mu.Lock()
			paths = append(paths, p)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func (m *Manager) isPackage(name string) bool {
	return strings.EqualFold(filepath.Ext(name), m.opts.PackageExtension)
}

func depth(root, p string) int {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}
