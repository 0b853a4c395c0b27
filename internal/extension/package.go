package extension

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/klauspost/compress/zip"
)

// ManifestFile 是扩展包内清单文件名。
const ManifestFile = "extension.yaml"

const maxEntrySize = 8 << 20

// Manifest 描述扩展包的身份与入口。
type Manifest struct {
	Name         string   `yaml:"name" json:"name"`
	Version      string   `yaml:"version" json:"version"`
	Authors      []string `yaml:"authors" json:"authors,omitempty"`
	Main         string   `yaml:"main" json:"main"`
	Description  string   `yaml:"description" json:"description,omitempty"`
	HostVersions []string `yaml:"host-versions" json:"host_versions,omitempty"`
}

// SupportsHost 判断清单是否声明兼容给定宿主版本；未声明视为兼容。
func (m Manifest) SupportsHost(version string) bool {
	if len(m.HostVersions) == 0 || version == "" {
		return true
	}
	for _, prefix := range m.HostVersions {
		if strings.HasPrefix(version, strings.TrimSpace(prefix)) {
			return true
		}
	}
	return false
}

// ReadManifest 打开扩展包并做结构校验：可读 ZIP、清单存在且可解析、name 非空、main 入口存在。
// 所有失败都返回 *ValidationError。
func ReadManifest(pkgPath string) (Manifest, error) {
	reader, err := zip.OpenReader(pkgPath)
	if err != nil {
		return Manifest{}, &ValidationError{Path: pkgPath, Reason: "unreadable archive", Err: err}
	}
	defer reader.Close()

	files := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		files[path.Clean(f.Name)] = f
	}

	mf, ok := files[ManifestFile]
	if !ok {
		return Manifest{}, &ValidationError{Path: pkgPath, Reason: "missing " + ManifestFile}
	}
	raw, err := readZipFile(mf)
	if err != nil {
		return Manifest{}, &ValidationError{Path: pkgPath, Reason: "unreadable " + ManifestFile, Err: err}
	}

	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return Manifest{}, &ValidationError{Path: pkgPath, Reason: "malformed " + ManifestFile, Err: err}
	}
	manifest.Name = strings.TrimSpace(manifest.Name)
	manifest.Main = strings.TrimSpace(manifest.Main)
	if manifest.Name == "" {
		return Manifest{}, &ValidationError{Path: pkgPath, Reason: "manifest name is empty"}
	}
	if manifest.Main == "" {
		return Manifest{}, &ValidationError{Path: pkgPath, Reason: "manifest main is empty"}
	}
	if _, ok := files[path.Clean(manifest.Main)]; !ok {
		return Manifest{}, &ValidationError{Path: pkgPath, Reason: "main entry " + manifest.Main + " not found"}
	}
	return manifest, nil
}

// ReadEntry 读取扩展包内的单个文件。
func ReadEntry(pkgPath, name string) ([]byte, error) {
	reader, err := zip.OpenReader(pkgPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	want := path.Clean(name)
	for _, f := range reader.File {
		if path.Clean(f.Name) == want {
			return readZipFile(f)
		}
	}
	return nil, fmt.Errorf("%s: entry %s not found", pkgPath, name)
}

func readZipFile(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("entry %s exceeds %d bytes", f.Name, maxEntrySize)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEntrySize {
		return nil, errors.New("entry exceeds size limit")
	}
	return data, nil
}
