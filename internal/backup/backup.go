// Package backup implements the backup pipeline (L6 in SPEC_FULL.md):
// bucket selection, export, compression, shipment and idempotent
// bookkeeping, grounded on backup_database in the original's
// src/data_collector/database_collection.py.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketfeed/collector/internal/backupstate"
	"github.com/marketfeed/collector/internal/clock"
	"github.com/marketfeed/collector/internal/collectionname"
	"github.com/marketfeed/collector/internal/metrics"
	"github.com/marketfeed/collector/internal/ops"
	"github.com/marketfeed/collector/internal/storage"
)

// Config parameterizes a Pipeline run.
type Config struct {
	Prefixes        []string
	TempFolder      string
	Codec           Codec
	Destination     Destination
	Overwrite       bool // upsert + 1h re-ship window, vs. insert-if-absent
	IsProduction    bool // non-production mode re-raises per-candidate errors
}

// Pipeline is the process-wide, mutex-serialized backup cycle. Exactly one
// Run may execute at a time; Run returns immediately (without shipping
// anything) if another cycle already holds the lock, matching spec.md
// §4.3's "non-blocking acquire; if held, skip this cycle's shipment".
type Pipeline struct {
	db    storage.Database
	state *backupstate.Store
	cfg   Config
	clk   clock.Clock
	log   *logrus.Entry

	mu sync.Mutex
}

// New builds a Pipeline backed by db and state.
func New(db storage.Database, state *backupstate.Store, cfg Config, clk clock.Clock) *Pipeline {
	return &Pipeline{db: db, state: state, cfg: cfg, clk: clk, log: ops.For("backup")}
}

// IsIdle reports whether no cycle is currently running, polled by the
// control-plane watcher during drain (spec.md §4.6 step 4). The probe
// itself briefly acquires and releases the lock, so it never blocks.
func (p *Pipeline) IsIdle() bool {
	if p.mu.TryLock() {
		p.mu.Unlock()
		return true
	}
	return false
}

// Run executes one backup cycle: selection, then the per-candidate
// export/compress/ship/drop/record pipeline, serially. It is safe to call
// concurrently; overlapping calls skip rather than block.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.mu.TryLock() {
		p.log.Debug("backup cycle already running, skipping")
		return nil
	}
	defer p.mu.Unlock()
	metrics.BackupIdle.Set(0)
	defer metrics.BackupIdle.Set(1)
	defer p.wipeTempFolder()

	var candidates, err = p.selectCandidates(ctx)
	if err != nil {
		return fmt.Errorf("backup: selecting candidates: %w", err)
	}

	for _, name := range candidates {
		if err := p.shipOne(ctx, name); err != nil {
			p.log.WithError(err).WithField("bucket", name).Error("backup of bucket failed")
			if p.cfg.IsProduction {
				continue
			}
			return fmt.Errorf("backup: shipping %s: %w", name, err)
		}
	}
	return nil
}

// selectCandidates implements spec.md §4.3's Selection step: for each
// backup-prefix, list matching buckets, sort by parsed time ascending, and
// drop the most recent (it is current or next_candidate).
func (p *Pipeline) selectCandidates(ctx context.Context) ([]string, error) {
	var candidates []string
	for _, prefix := range p.cfg.Prefixes {
		var names, err = p.db.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("listing prefix %s: %w", prefix, err)
		}
		if len(names) <= 1 {
			continue
		}

		sort.Slice(names, func(i, j int) bool {
			var ti, erri = collectionname.Parse(names[i])
			var tj, errj = collectionname.Parse(names[j])
			if erri != nil || errj != nil {
				return names[i] < names[j]
			}
			return ti.Before(tj)
		})

		for _, name := range names[:len(names)-1] {
			var already, err = p.alreadyShipped(ctx, name)
			if err != nil {
				return nil, err
			}
			if !already {
				candidates = append(candidates, name)
			}
		}
	}
	return candidates, nil
}

// alreadyShipped implements the non-overwrite/overwrite dedup check
// (spec.md §4.3 step 2 and step 5).
func (p *Pipeline) alreadyShipped(ctx context.Context, name string) (bool, error) {
	if !p.cfg.Overwrite {
		return p.state.Contains(ctx, name)
	}
	var record, ok, err = p.state.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return p.clk.Now().Sub(record.Time) <= time.Hour, nil
}

// shipOne runs the serial export -> compress -> ship -> drop -> record
// pipeline for a single bucket name.
func (p *Pipeline) shipOne(ctx context.Context, name string) error {
	var exportPath, err = p.db.Export(ctx, name, p.cfg.TempFolder)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	var archiveName = fmt.Sprintf("%s.json.%s", name, p.cfg.Codec.Suffix())
	var archivePath = filepath.Join(p.cfg.TempFolder, archiveName)
	if err := p.cfg.Codec.Compress(exportPath, archivePath); err != nil {
		return fmt.Errorf("compress: %w", err)
	}

	if err := p.cfg.Destination.Ship(ctx, archivePath, archiveName); err != nil {
		return fmt.Errorf("ship: %w", err)
	}

	if err := p.db.Drop(ctx, name); err != nil {
		return fmt.Errorf("drop: %w", err)
	}

	var record = backupstate.Record{ColName: name, Time: p.clk.Now()}
	if p.cfg.Overwrite {
		err = p.state.Upsert(ctx, record)
	} else {
		err = p.state.Insert(ctx, record)
	}
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return nil
}

// wipeTempFolder clears the shared scratch directory on every exit path
// (spec.md §4.3 step 6 and the post-loop wipe).
func (p *Pipeline) wipeTempFolder() {
	var entries, err = os.ReadDir(p.cfg.TempFolder)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(p.cfg.TempFolder, e.Name()))
	}
}
