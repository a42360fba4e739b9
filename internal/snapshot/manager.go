package snapshot

// ============================================================================
// 職責說明：
// 1. 將 fleet 狀態序列化為 JSON 狀態檔，供外部 dashboard 讀取
// 2. 使用原子性寫入（temp file + rename），讀者永遠看到完整的檔案
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

// SchemaVersion is stamped on every written document.
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Manager 狀態檔管理器
type Manager struct {
	path string
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立狀態檔管理器
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入狀態檔
//
// 流程：
// 1. 在同一目錄建立臨時檔案並寫入、fsync
// 2. os.Rename 原子性替換原始檔案
func (m *Manager) Write(snap types.FleetSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap.SchemaVer = SchemaVersion
	if snap.Devices == nil {
		snap.Devices = []types.Device{}
	}
	if snap.CurrentJobs == nil {
		snap.CurrentJobs = []types.Job{}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp snapshot: %w", err)
	}

	// 原子性重新命名
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入狀態檔並驗證版本
func (m *Manager) Load() (types.FleetSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap types.FleetSnapshot
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return snap, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if snap.SchemaVer != SchemaVersion {
		return snap, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, snap.SchemaVer, SchemaVersion)
	}
	return snap, nil
}

// Exists 檢查狀態檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the document path.
func (m *Manager) Path() string {
	return m.path
}
