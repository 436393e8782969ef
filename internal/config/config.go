// Package config is the collector's configuration surface (spec.md §6):
// CLI flags parsed once at startup via jessevdk/go-flags, combined with a
// hot-reloadable JSON settings file, grounded on the nested tagged-struct
// Config pattern in the teacher's cmd/flow-ingester/main.go and on
// ConfigurationsManager in the original's src/common/configuration_manager.py.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/control"
)

// CLI is the command-line surface: "--start ISO-8601" (spec.md §6, CLI)
// plus "--config", the path of the JSON settings file.
type CLI struct {
	Start      string `long:"start" description:"ISO-8601 instant; defers the rotator's first accepted event until this instant"`
	ConfigPath string `long:"config" description:"path to the JSON settings file" default:"./config.json"`
}

// File is the recognized configuration surface loaded from the JSON
// settings file (spec.md §6, Configuration surface).
type File struct {
	ProductIDs []string `json:"product_ids"`

	StreamBackupInterval   clock.Interval `json:"stream_backup_interval"`
	SnapshotBackupInterval clock.Interval `json:"snapshot_backup_interval"`

	SnapshotIntervalMinutes int `json:"snapshot_interval_minutes"`
	SnapshotIntervalSeconds int `json:"snapshot_interval_seconds"`

	UpdateInterval clock.Interval `json:"update_interval"`

	SafeMarginInterval int `json:"safe_margin_interval"`

	BackupType            string   `json:"backup_type"`
	BackupCompressionType string   `json:"backup_compression_type"`
	BackupCollections     []string `json:"backup_collections"`

	BackupFolderPath         string `json:"backup_folder_path"`
	BackupOverwriteFolderPath string `json:"backup_overwrite_folder_path"`
	TempBackupFolder         string `json:"temp_backup_folder"`
	TempFolder               string `json:"temp_folder"`
	BackupOverwrite          bool   `json:"backup_overwrite"`

	S3BucketName       string `json:"s3_bucket_name"`
	AWSAccessKeyID     string `json:"aws_access_key_id"`
	AWSSecretAccessKey string `json:"aws_secret_access_key"`
	AWSRegion          string `json:"aws_region"`

	DatabaseType string `json:"database_type"` // mongodb | documentdb | simple
	DatabaseName string `json:"database_name"`
	MongoURL     string `json:"mongo_url"`
	DBPath       string `json:"db_path"`
	DatabaseTLS  bool   `json:"database_tls"`
	DBHost       string `json:"db_host"`
	DBUsername   string `json:"db_username"`
	DBPassword   string `json:"db_password"`
	SSLCAFile    string `json:"ssl_ca_file"`

	WebsocketURL string `json:"websocket_url"`
	RESTURL      string `json:"rest_url"`
	CBKey        string `json:"cb_key"`
	CBSecret     string `json:"cb_secret"`
	CBPassphrase string `json:"cb_passphrase"`

	IsProduction bool `json:"is_production"`
	StopProgram  int  `json:"stop_program"`

	BackupInfoDBPath string `json:"backup_info_db_path"`
	CrashInfoDBPath  string `json:"crash_info_db_path"`
}

// Manager re-reads the JSON settings file on demand, standing in for
// ConfigurationsManager: no caching beyond the single in-memory copy
// returned by the last Reload, matching the original's read-whole-file
// behavior rather than watching for filesystem events.
type Manager struct {
	path string

	mu  sync.Mutex
	cur File
}

// NewManager opens path and performs an initial load.
func NewManager(path string) (*Manager, error) {
	var m = &Manager{path: path}
	if _, err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the settings file from disk and returns the fresh copy.
// internal/control.Source's narrower Reload contract is implemented on top
// of it by ControlSource below.
func (m *Manager) Reload() (File, error) {
	var raw, err = os.ReadFile(m.path)
	if err != nil {
		return File{}, fmt.Errorf("config: reading %s: %w", m.path, err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("config: parsing %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.cur = f
	m.mu.Unlock()
	return f, nil
}

// Current returns the most recently loaded configuration without
// re-reading the file.
func (m *Manager) Current() File {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// ControlSource adapts a Manager to internal/control.Source, narrowing a
// full File reload to the fields the watcher needs.
type ControlSource struct {
	Manager *Manager
}

func (s ControlSource) Reload() (control.Snapshot, error) {
	var f, err = s.Manager.Reload()
	if err != nil {
		return control.Snapshot{}, err
	}
	return control.Snapshot{ProductIDs: f.ProductIDs, StopProgram: f.StopProgram}, nil
}
