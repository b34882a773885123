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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Tag sets the coordinates of filename's record and marks it as
// manually tagged, so later extraction will not change them.
func (c *Catalog) Tag(ctx context.Context, filename string, lat, lon float64) (ImageRecord, error) {
	if err := validateCoordinates(lat, lon); err != nil {
		return ImageRecord{}, err
	}
	return c.tag(ctx, filename, Present(lat, lon))
}

// ClearTag removes the coordinates of filename's record and clears
// its manual tag. The stored file signature is reset so the next
// reconcile pass extracts coordinates from the file again.
func (c *Catalog) ClearTag(ctx context.Context, filename string) (ImageRecord, error) {
	return c.tag(ctx, filename, Absent)
}

func (c *Catalog) tag(ctx context.Context, filename string, g Geotag) (ImageRecord, error) {
	c.locks.Lock(filename)
	defer c.locks.Unlock(filename)
	return c.tagLocked(ctx, filename, g)
}

// tagLocked is tag for callers that already hold filename's lock.
func (c *Catalog) tagLocked(ctx context.Context, filename string, g Geotag) (ImageRecord, error) {
	rec, err := c.store.GetImage(ctx, filename)
	if err != nil {
		return ImageRecord{}, err
	}

	rec.setCoordinates(g)
	_, _, rec.ManuallyTagged = g.Coordinates()
	if !rec.ManuallyTagged {
		rec.FileModTime = zeroSignatureTime
		rec.ContentHash = nil
	}

	return c.store.UpsertImage(ctx, rec)
}

// BatchStatus is the outcome for one filename of a batch operation.
type BatchStatus string

// Possible batch outcomes.
const (
	BatchUpdated  BatchStatus = "updated"
	BatchNotFound BatchStatus = "not_found"
	BatchFailed   BatchStatus = "failed"
)

// BatchItemResult reports what happened to one filename in a batch.
type BatchItemResult struct {
	Filename string      `json:"filename"`
	Status   BatchStatus `json:"status"`
	Error    string      `json:"error,omitempty"`
}

// TagBatch applies Tag to each filename independently. A missing
// record does not stop the others; every filename gets its own
// result, in input order. Duplicates are applied once. The returned
// error aggregates storage failures only.
func (c *Catalog) TagBatch(ctx context.Context, filenames []string, lat, lon float64) ([]BatchItemResult, error) {
	if err := validateCoordinates(lat, lon); err != nil {
		return nil, err
	}
	return c.batch(ctx, filenames, Present(lat, lon))
}

// ClearTagBatch applies ClearTag to each filename, with the same
// reporting as TagBatch.
func (c *Catalog) ClearTagBatch(ctx context.Context, filenames []string) ([]BatchItemResult, error) {
	return c.batch(ctx, filenames, Absent)
}

// TagBatchFromLocation tags each filename with the coordinates of
// the saved location with the given ID.
func (c *Catalog) TagBatchFromLocation(ctx context.Context, filenames []string, locationID string) ([]BatchItemResult, error) {
	loc, err := c.store.GetLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	return c.TagBatch(ctx, filenames, loc.Latitude, loc.Longitude)
}

func (c *Catalog) batch(ctx context.Context, filenames []string, g Geotag) ([]BatchItemResult, error) {
	filenames, err := normalizeBatch(filenames)
	if err != nil {
		return nil, err
	}

	results := make([]BatchItemResult, len(filenames))
	var (
		errs *multierror.Error
		mu   sync.Mutex
	)

	var eg errgroup.Group
	eg.SetLimit(c.workers)
	for i, filename := range filenames {
		eg.Go(func() error {
			results[i] = BatchItemResult{Filename: filename, Status: BatchUpdated}
			_, err := c.tag(ctx, filename, g)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotFound):
				results[i].Status = BatchNotFound
				c.log.Warn("batch tag: no such image", zap.String("filename", filename))
			default:
				results[i].Status = BatchFailed
				results[i].Error = err.Error()
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", filename, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	return results, errs.ErrorOrNil()
}

// normalizeBatch rejects an empty batch or blank names and drops
// repeated names, keeping first occurrences in order.
func normalizeBatch(filenames []string) ([]string, error) {
	if len(filenames) == 0 {
		return nil, ValidationError{Field: "filenames", Reason: "at least one filename is required"}
	}
	seen := make(map[string]struct{}, len(filenames))
	unique := make([]string, 0, len(filenames))
	for _, name := range filenames {
		if strings.TrimSpace(name) == "" {
			return nil, ValidationError{Field: "filenames", Reason: "filenames must not be blank"}
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, name)
	}
	return unique, nil
}
