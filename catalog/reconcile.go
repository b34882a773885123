/*
	Reefmap
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconcileResult counts what one reconcile pass did.
type ReconcileResult struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Reconcile makes the store agree with the image directory: files
// without a record are added, changed files are re-extracted, and
// records whose file is gone are deleted along with their thumbnail.
//
// Re-extraction overwrites every extracted field of a record unless
// it is manually tagged, in which case its coordinates are kept.
// A pass over an unchanged directory writes nothing.
//
// Failures on individual files are counted and returned together;
// they do not stop the pass.
func (c *Catalog) Reconcile(ctx context.Context) (ReconcileResult, error) {
	start := time.Now()

	entries, err := os.ReadDir(c.imageDir)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("listing image folder: %w", err)
	}
	onDisk := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && trackable(entry.Name()) {
			onDisk[entry.Name()] = struct{}{}
		}
	}

	// this snapshot only decides which records look orphaned; each
	// one is checked again under its lock before anything is deleted
	stored, err := c.store.ImageSignatures(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("loading stored records: %w", err)
	}

	var (
		result ReconcileResult
		errs   *multierror.Error
		mu     sync.Mutex
	)
	tally := func(filename string, outcome syncOutcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Failed++
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", filename, err))
			c.log.Error("reconciling file failed", zap.String("filename", filename), zap.Error(err))
			return
		}
		switch outcome {
		case syncAdded:
			result.Added++
		case syncUpdated:
			result.Updated++
		case syncRemoved:
			result.Removed++
		case syncUnchanged, syncTouched:
			result.Unchanged++
		}
	}

	var g errgroup.Group
	g.SetLimit(c.workers)

	for filename := range onDisk {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				tally(filename, syncUnchanged, err)
				return nil
			}
			c.locks.Lock(filename)
			defer c.locks.Unlock(filename)
			_, outcome, err := c.syncLocked(ctx, filename, false)
			tally(filename, outcome, err)
			return nil
		})
	}

	for filename := range stored {
		if _, ok := onDisk[filename]; ok {
			continue
		}
		g.Go(func() error {
			c.locks.Lock(filename)
			defer c.locks.Unlock(filename)

			// the file may have been ingested since we listed the folder
			if _, err := os.Stat(c.sourcePath(filename)); err == nil {
				tally(filename, syncUnchanged, nil)
				return nil
			}
			removed, err := c.removeOrphanLocked(ctx, filename)
			if !removed {
				// already gone, e.g. deleted by a request since the snapshot
				tally(filename, syncUnchanged, err)
				return nil
			}
			c.log.Info("removed record of deleted file", zap.String("filename", filename))
			tally(filename, syncRemoved, nil)
			return nil
		})
	}

	_ = g.Wait()

	Log.Named(summaryLoggerName).Info("reconcile pass finished",
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", time.Since(start)))

	return result, errs.ErrorOrNil()
}
