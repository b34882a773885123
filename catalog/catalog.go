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

// Package catalog implements the image metadata pipeline: it reads
// metadata and geotags from image files, keeps a store of per-image
// records in step with the image directory, caches thumbnails, and
// applies manual geotags that automatic extraction never overrides.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Options configures a Catalog.
type Options struct {
	// ImageDir is the authoritative folder of image files.
	ImageDir string

	// CacheDir holds derived data (thumbnails). It is safe to delete.
	CacheDir string

	// Store persists the records. It is closed with the Catalog.
	Store Store

	Extractor  Extractor
	Thumbnails ThumbnailOptions

	// Workers bounds the parallelism of reconcile passes and batch
	// operations. Default is NumCPU, at least 1.
	Workers int
}

// Catalog is the entry point to the pipeline. All mutations of a
// given filename (extraction writes, tag writes, deletes) are
// serialized; different filenames proceed independently.
type Catalog struct {
	imageDir  string
	store     Store
	extractor Extractor
	thumbs    *Thumbnailer
	workers   int

	locks *keyedMutex
	log   *zap.Logger
}

// Open prepares the image and cache folders and returns a ready Catalog.
func Open(opts Options) (*Catalog, error) {
	if opts.Store == nil {
		return nil, errors.New("no store")
	}
	if opts.ImageDir == "" {
		return nil, errors.New("no image folder")
	}
	if err := os.MkdirAll(opts.ImageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image folder: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = max(runtime.NumCPU(), 1)
	}
	if opts.Thumbnails.Timeout == 0 {
		opts.Thumbnails.Timeout = opts.Extractor.Timeout
	}

	thumbs, err := NewThumbnailer(filepath.Join(opts.CacheDir, "thumbnails"), opts.Thumbnails)
	if err != nil {
		return nil, err
	}

	return &Catalog{
		imageDir:  opts.ImageDir,
		store:     opts.Store,
		extractor: opts.Extractor,
		thumbs:    thumbs,
		workers:   opts.Workers,
		locks:     newKeyedMutex(),
		log:       Log.Named("catalog"),
	}, nil
}

// Close stops the thumbnail workers and closes the store.
func (c *Catalog) Close() error {
	c.thumbs.Close()
	return c.store.Close()
}

// ImageDir returns the folder the catalog tracks.
func (c *Catalog) ImageDir() string { return c.imageDir }

// ThumbnailsGenerated returns how many thumbnails have been encoded
// since the catalog was opened.
func (c *Catalog) ThumbnailsGenerated() int64 { return c.thumbs.Generated() }

// Ingest stores content as filename in the image directory and
// registers it, returning the new record. If a file by that name
// already exists it is replaced; a manual geotag on its record is
// kept. If the record can't be stored, a newly created file is
// removed again.
func (c *Catalog) Ingest(ctx context.Context, filename string, content io.Reader) (ImageRecord, error) {
	if err := validateFilename(filename); err != nil {
		return ImageRecord{}, err
	}

	c.locks.Lock(filename)
	defer c.locks.Unlock(filename)

	dest := c.sourcePath(filename)
	_, statErr := os.Stat(dest)
	existed := statErr == nil

	limit := c.extractor.MaxFileSize
	err := writeFileAtomic(dest, func(f *os.File) error {
		if limit <= 0 {
			_, err := io.Copy(f, content)
			return err
		}
		n, err := io.Copy(f, io.LimitReader(content, limit+1))
		if err != nil {
			return err
		}
		if n > limit {
			return fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, limit)
		}
		return nil
	})
	if err != nil {
		return ImageRecord{}, fmt.Errorf("saving %s: %w", filename, err)
	}

	rec, _, err := c.syncLocked(ctx, filename, true)
	if err != nil {
		if !existed {
			if rmErr := os.Remove(dest); rmErr != nil {
				c.log.Error("removing file after failed ingest",
					zap.String("filename", filename),
					zap.Error(rmErr))
			}
		}
		return ImageRecord{}, err
	}

	c.log.Info("ingested image",
		zap.String("filename", filename),
		zap.Bool("replaced", existed),
		zap.Bool("extraction_failed", rec.ExtractionFailed))

	return rec, nil
}

// GetRecord returns the record for filename, or ErrNotFound.
func (c *Catalog) GetRecord(ctx context.Context, filename string) (ImageRecord, error) {
	return c.store.GetImage(ctx, filename)
}

// ListRecords returns the records matching filter in natural
// filename order.
func (c *Catalog) ListRecords(ctx context.Context, filter ImageFilter) ([]ImageRecord, error) {
	return c.store.ListImages(ctx, filter)
}

// Stats summarizes the collection.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	return c.store.ImageStats(ctx)
}

// GetThumbnail returns the JPEG thumbnail of filename, generating
// and caching it first if the cache is missing or stale. Records
// whose extraction failed get ErrNoThumbnail without the file
// being read again.
func (c *Catalog) GetThumbnail(ctx context.Context, filename string) ([]byte, error) {
	rec, err := c.store.GetImage(ctx, filename)
	if err != nil {
		return nil, err
	}
	if rec.ExtractionFailed {
		return nil, fmt.Errorf("%s: %w: %s", filename, ErrNoThumbnail, rec.ExtractionError)
	}
	data, _, err := c.thumbs.Read(ctx, filename, c.sourcePath(filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("source of %s: %w", filename, ErrNotFound)
	}
	return data, err
}

// DeleteRecord removes the image file, its thumbnail, and its record.
func (c *Catalog) DeleteRecord(ctx context.Context, filename string) error {
	if err := validateFilename(filename); err != nil {
		return err
	}

	c.locks.Lock(filename)
	defer c.locks.Unlock(filename)

	fileErr := os.Remove(c.sourcePath(filename))
	if fileErr != nil && !errors.Is(fileErr, fs.ErrNotExist) {
		return fmt.Errorf("deleting file %s: %w", filename, fileErr)
	}
	if err := c.thumbs.Remove(filename); err != nil {
		c.log.Warn("deleting thumbnail", zap.String("filename", filename), zap.Error(err))
	}

	err := c.store.DeleteImage(ctx, filename)
	if errors.Is(err, ErrNotFound) && fileErr == nil {
		err = nil // record was never made, but the file is gone now
	}
	if err != nil {
		return err
	}

	c.log.Info("deleted image", zap.String("filename", filename))
	return nil
}

func (c *Catalog) sourcePath(filename string) string {
	return filepath.Join(c.imageDir, filename)
}

type syncOutcome int

const (
	syncUnchanged syncOutcome = iota
	syncTouched               // only the stored mtime was refreshed
	syncAdded
	syncUpdated
	syncRemoved
)

// syncLocked brings the record for filename in line with the file on
// disk. The caller must hold the lock for filename.
//
// If force is false, nothing is written when the file's size and
// mtime match the stored signature, and only the mtime is refreshed
// if the content hash shows the bytes did not change.
func (c *Catalog) syncLocked(ctx context.Context, filename string, force bool) (ImageRecord, syncOutcome, error) {
	path := c.sourcePath(filename)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		removed, err := c.removeOrphanLocked(ctx, filename)
		if err != nil || !removed {
			return ImageRecord{}, syncUnchanged, err
		}
		return ImageRecord{}, syncRemoved, nil
	}
	if err != nil {
		return ImageRecord{}, syncUnchanged, err
	}

	existing, err := c.store.GetImage(ctx, filename)
	isNew := errors.Is(err, ErrNotFound)
	if err != nil && !isNew {
		return ImageRecord{}, syncUnchanged, err
	}

	onDisk := FileSignature{Size: info.Size(), ModTime: info.ModTime()}

	if !isNew && !force {
		if existing.Signature().sameStat(onDisk) {
			c.refreshThumbnail(ctx, existing)
			return existing, syncUnchanged, nil
		}
	}

	onDisk.Hash, err = hashFile(path)
	if err != nil {
		return ImageRecord{}, syncUnchanged, fmt.Errorf("hashing %s: %w", filename, err)
	}

	if !isNew && !force && existing.FileSize == onDisk.Size &&
		existing.ContentHash != nil && bytes.Equal(existing.ContentHash, onDisk.Hash) {
		existing.FileModTime = onDisk.ModTime
		rec, err := c.store.UpsertImage(ctx, existing)
		if err != nil {
			return ImageRecord{}, syncUnchanged, err
		}
		return rec, syncTouched, nil
	}

	rec := existing
	if isNew {
		rec = ImageRecord{Filename: filename}
	}
	rec.StoredPath = path
	rec.FileSize, rec.FileModTime, rec.ContentHash = onDisk.Size, onDisk.ModTime, onDisk.Hash

	ex := c.extractor.Extract(ctx, path)
	ex.apply(&rec, rec.ManuallyTagged)
	if ex.Failed {
		c.log.Warn("metadata extraction failed",
			zap.String("filename", filename),
			zap.Error(ex.Err))
	}

	rec.ThumbHash = nil
	if !ex.Failed {
		thumb, err := c.thumbs.Ensure(ctx, filename, path, false)
		if err != nil {
			c.log.Warn("generating thumbnail failed",
				zap.String("filename", filename),
				zap.Error(err))
		} else {
			rec.ThumbHash = thumb.ThumbHash
		}
	} else if err := c.thumbs.Remove(filename); err != nil {
		c.log.Warn("removing stale thumbnail", zap.String("filename", filename), zap.Error(err))
	}

	rec, err = c.store.UpsertImage(ctx, rec)
	if err != nil {
		return ImageRecord{}, syncUnchanged, err
	}
	if isNew {
		return rec, syncAdded, nil
	}
	return rec, syncUpdated, nil
}

// refreshThumbnail regenerates the thumbnail of an unchanged file
// if the cache lost it. It never writes to the store.
func (c *Catalog) refreshThumbnail(ctx context.Context, rec ImageRecord) {
	if rec.ExtractionFailed {
		return
	}
	if _, err := c.thumbs.Ensure(ctx, rec.Filename, c.sourcePath(rec.Filename), false); err != nil {
		c.log.Warn("refreshing thumbnail failed",
			zap.String("filename", rec.Filename),
			zap.Error(err))
	}
}

// removeOrphanLocked deletes the record and thumbnail of a file that
// no longer exists, reporting whether there was a record to delete.
// The caller must hold the lock for filename.
func (c *Catalog) removeOrphanLocked(ctx context.Context, filename string) (bool, error) {
	if err := c.thumbs.Remove(filename); err != nil {
		c.log.Warn("removing orphaned thumbnail", zap.String("filename", filename), zap.Error(err))
	}
	err := c.store.DeleteImage(ctx, filename)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// validateFilename ensures name is a plain, visible file name with
// an extension we track.
func validateFilename(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) ||
		strings.HasPrefix(name, ".") || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if !trackable(name) {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(name))
	}
	return nil
}

// trackable reports whether a directory entry name is an image the
// catalog keeps a record for.
func trackable(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".avif": {},
	".heic": {},
}

// zeroSignatureTime is stored as the mtime of a record whose
// signature was invalidated, so the next pass re-extracts it.
var zeroSignatureTime = time.Unix(0, 0)
