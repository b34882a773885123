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
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/jpeg"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reefmap/reefmap/internal/testhelpers"
)

// countingStore counts the writes that reach the wrapped store.
type countingStore struct {
	Store
	upserts atomic.Int64
	deletes atomic.Int64
}

func (s *countingStore) UpsertImage(ctx context.Context, rec ImageRecord) (ImageRecord, error) {
	s.upserts.Add(1)
	return s.Store.UpsertImage(ctx, rec)
}

func (s *countingStore) DeleteImage(ctx context.Context, filename string) error {
	s.deletes.Add(1)
	return s.Store.DeleteImage(ctx, filename)
}

func (s *countingStore) reset() {
	s.upserts.Store(0)
	s.deletes.Store(0)
}

type testCatalog struct {
	*Catalog
	dir   string
	store *countingStore
}

func newTestCatalog(t *testing.T, extractor Extractor) testCatalog {
	t.Helper()
	root := t.TempDir()

	sqlStore, err := OpenStore(context.Background(), filepath.Join(root, "reefmap.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	store := &countingStore{Store: sqlStore}

	if extractor.Timeout == 0 {
		extractor.Timeout = 30 * time.Second
	}
	c, err := Open(Options{
		ImageDir:  filepath.Join(root, "fishes"),
		CacheDir:  filepath.Join(root, "cache"),
		Store:     store,
		Extractor: extractor,
		Workers:   4,
	})
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return testCatalog{Catalog: c, dir: c.ImageDir(), store: store}
}

func (tc testCatalog) write(t *testing.T, filename string, meta *testhelpers.EXIF, modTime time.Time) {
	t.Helper()
	testhelpers.WriteJPEG(t, filepath.Join(tc.dir, filename), 40, 30, reefBlue, meta, modTime)
}

func withGPS(latDeg, lonDeg uint32) *testhelpers.EXIF {
	return &testhelpers.EXIF{
		Make:             "OLYMPUS",
		DateTimeOriginal: "2023:11:02 08:15:00",
		GPS: &testhelpers.GPS{
			LatitudeRef:  "N",
			Latitude:     testhelpers.DMS(latDeg, 0, 0),
			LongitudeRef: "E",
			Longitude:    testhelpers.DMS(lonDeg, 0, 0),
		},
	}
}

func mustReconcile(t *testing.T, c testCatalog) ReconcileResult {
	t.Helper()
	result, err := c.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return result
}

func mustGet(t *testing.T, c testCatalog, filename string) ImageRecord {
	t.Helper()
	rec, err := c.GetRecord(context.Background(), filename)
	if err != nil {
		t.Fatalf("loading %s: %v", filename, err)
	}
	return rec
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestReconcileIsIdempotent(t *testing.T) {
	c := newTestCatalog(t, Extractor{})

	c.write(t, "turtle.jpg", withGPS(16, 108), time.Time{})
	c.write(t, "reef.jpg", nil, time.Time{})
	if err := os.WriteFile(filepath.Join(c.dir, "broken.jpg"), []byte("not an image"), 0o600); err != nil {
		t.Fatal(err)
	}
	// not tracked
	if err := os.WriteFile(filepath.Join(c.dir, "notes.txt"), []byte("dive log"), 0o600); err != nil {
		t.Fatal(err)
	}
	c.write(t, ".hidden.jpg", nil, time.Time{})

	first := mustReconcile(t, c)
	if first != (ReconcileResult{Added: 3}) {
		t.Errorf("Expected 3 added on the first pass, got %+v", first)
	}

	turtle := mustGet(t, c, "turtle.jpg")
	if lat, lon := turtle.Latitude, turtle.Longitude; lat == nil || lon == nil || *lat != 16 || *lon != 108 {
		t.Errorf("Expected coordinates (16, 108), got %v %v", lat, lon)
	}
	if turtle.ManuallyTagged {
		t.Error("Extracted coordinates must not be marked as manual")
	}
	if len(turtle.ThumbHash) == 0 {
		t.Error("Expected a thumbhash")
	}
	if reef := mustGet(t, c, "reef.jpg"); reef.HasCoordinates() || reef.ExtractionFailed {
		t.Errorf("Expected reef.jpg to be extracted without coordinates, got %+v", reef)
	}
	broken := mustGet(t, c, "broken.jpg")
	if !broken.ExtractionFailed || broken.ExtractionError == "" || broken.Width != nil {
		t.Errorf("Expected broken.jpg to be recorded as failed, got %+v", broken)
	}
	if _, err := c.GetRecord(context.Background(), ".hidden.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Hidden files must not be tracked, got %v", err)
	}

	generated := c.ThumbnailsGenerated()
	if generated != 2 {
		t.Errorf("Expected 2 thumbnails, got %d", generated)
	}

	c.store.reset()
	second := mustReconcile(t, c)
	if second != (ReconcileResult{Unchanged: 3}) {
		t.Errorf("Expected everything unchanged on the second pass, got %+v", second)
	}
	if n := c.store.upserts.Load() + c.store.deletes.Load(); n != 0 {
		t.Errorf("Expected no store writes on an unchanged folder, got %d", n)
	}
	if c.ThumbnailsGenerated() != generated {
		t.Errorf("Expected no thumbnails to be regenerated, got %d more", c.ThumbnailsGenerated()-generated)
	}
}

func TestReconcileTouchOnlyWhenContentSame(t *testing.T) {
	c := newTestCatalog(t, Extractor{})
	path := filepath.Join(c.dir, "ray.jpg")
	c.write(t, "ray.jpg", withGPS(10, 20), time.Now().Add(-time.Hour))
	mustReconcile(t, c)

	later := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	c.store.reset()
	result := mustReconcile(t, c)
	if result != (ReconcileResult{Unchanged: 1}) {
		t.Errorf("Expected a touched file to count as unchanged, got %+v", result)
	}
	if n := c.store.upserts.Load(); n != 1 {
		t.Errorf("Expected the stored mtime to be refreshed once, got %d writes", n)
	}
	if rec := mustGet(t, c, "ray.jpg"); !rec.FileModTime.Equal(later) {
		t.Errorf("Expected stored mtime %v, got %v", later, rec.FileModTime)
	}
}

func TestManualTagSurvivesReextraction(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})

	c.write(t, "shark.jpg", withGPS(10, 20), time.Now().Add(-time.Hour))
	mustReconcile(t, c)

	if _, err := c.Tag(ctx, "shark.jpg", -8.65, 115.21); err != nil {
		t.Fatalf("tagging: %v", err)
	}

	// new content with different embedded metadata
	meta := withGPS(30, 40)
	meta.DateTimeOriginal = "2024:01:01 12:00:00"
	meta.Model = "TG-6"
	c.write(t, "shark.jpg", meta, time.Now().Add(time.Hour))

	result := mustReconcile(t, c)
	if result != (ReconcileResult{Updated: 1}) {
		t.Errorf("Expected 1 updated, got %+v", result)
	}

	rec := mustGet(t, c, "shark.jpg")
	if !rec.ManuallyTagged {
		t.Error("Expected the manual flag to survive")
	}
	if rec.Latitude == nil || *rec.Latitude != -8.65 || rec.Longitude == nil || *rec.Longitude != 115.21 {
		t.Errorf("Expected manual coordinates (-8.65, 115.21), got %v %v", rec.Latitude, rec.Longitude)
	}
	if rec.CameraModel == nil || *rec.CameraModel != "TG-6" {
		t.Errorf("Expected other fields to be re-extracted, got model %v", rec.CameraModel)
	}
	if rec.CapturedAt == nil || rec.CapturedAt.Format("2006-01-02 15:04") != "2024-01-01 12:00" {
		t.Errorf("Expected new capture time, got %v", rec.CapturedAt)
	}
}

func TestClearTagRestoresExtractedCoordinates(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})

	c.write(t, "grouper.jpg", withGPS(12, 109), time.Time{})
	mustReconcile(t, c)

	if _, err := c.Tag(ctx, "grouper.jpg", 1, 2); err != nil {
		t.Fatalf("tagging: %v", err)
	}
	cleared, err := c.ClearTag(ctx, "grouper.jpg")
	if err != nil {
		t.Fatalf("clearing: %v", err)
	}
	if cleared.HasCoordinates() || cleared.ManuallyTagged {
		t.Errorf("Expected no coordinates after clearing, got %+v", cleared)
	}

	result := mustReconcile(t, c)
	if result != (ReconcileResult{Updated: 1}) {
		t.Errorf("Expected the cleared record to be re-extracted, got %+v", result)
	}
	rec := mustGet(t, c, "grouper.jpg")
	if rec.Latitude == nil || *rec.Latitude != 12 || rec.Longitude == nil || *rec.Longitude != 109 {
		t.Errorf("Expected file coordinates (12, 109), got %v %v", rec.Latitude, rec.Longitude)
	}
}

func TestReconcileRemovesDeletedFiles(t *testing.T) {
	c := newTestCatalog(t, Extractor{})

	c.write(t, "moray.jpg", nil, time.Time{})
	c.write(t, "wrasse.jpg", nil, time.Time{})
	mustReconcile(t, c)

	thumb := c.thumbs.Path("moray.jpg")
	if !exists(thumb) {
		t.Fatalf("Expected thumbnail at %s", thumb)
	}

	if err := os.Remove(filepath.Join(c.dir, "moray.jpg")); err != nil {
		t.Fatal(err)
	}
	result := mustReconcile(t, c)
	if result != (ReconcileResult{Removed: 1, Unchanged: 1}) {
		t.Errorf("Expected 1 removed and 1 unchanged, got %+v", result)
	}
	if _, err := c.GetRecord(context.Background(), "moray.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected record to be gone, got %v", err)
	}
	if exists(thumb) {
		t.Error("Expected thumbnail to be removed")
	}
	if exists(thumb + ".json") {
		t.Error("Expected thumbnail sidecar to be removed")
	}
}

func TestTagBatch(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	c.write(t, "a.jpg", nil, time.Time{})
	c.write(t, "b.jpg", nil, time.Time{})
	mustReconcile(t, c)

	results, err := c.TagBatch(ctx, []string{"a.jpg", "missing.jpg", "a.jpg", "b.jpg"}, 16.1, 108.3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := []BatchItemResult{
		{Filename: "a.jpg", Status: BatchUpdated},
		{Filename: "missing.jpg", Status: BatchNotFound},
		{Filename: "b.jpg", Status: BatchUpdated},
	}
	if len(results) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, results)
	}
	for i := range expected {
		if results[i] != expected[i] {
			t.Errorf("Result %d: Expected %+v, got %+v", i, expected[i], results[i])
		}
	}
	for _, name := range []string{"a.jpg", "b.jpg"} {
		rec := mustGet(t, c, name)
		if !rec.ManuallyTagged || *rec.Latitude != 16.1 || *rec.Longitude != 108.3 {
			t.Errorf("Expected %s to be tagged, got %+v", name, rec)
		}
	}
	if _, err := c.GetRecord(ctx, "missing.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no record to be created, got %v", err)
	}

	cleared, err := c.ClearTagBatch(ctx, []string{"b.jpg"})
	if err != nil || len(cleared) != 1 || cleared[0].Status != BatchUpdated {
		t.Errorf("Unexpected clear result %v (err=%v)", cleared, err)
	}
	if rec := mustGet(t, c, "b.jpg"); rec.HasCoordinates() || rec.ManuallyTagged {
		t.Errorf("Expected b.jpg to be cleared, got %+v", rec)
	}
}

func TestTagValidation(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	c.write(t, "a.jpg", nil, time.Time{})
	mustReconcile(t, c)
	c.store.reset()

	for i, tc := range []struct {
		run func() error
	}{
		{run: func() error { _, err := c.Tag(ctx, "a.jpg", 91, 0); return err }},
		{run: func() error { _, err := c.Tag(ctx, "a.jpg", 0, -181); return err }},
		{run: func() error { _, err := c.Tag(ctx, "a.jpg", math.NaN(), 0); return err }},
		{run: func() error { _, err := c.TagBatch(ctx, []string{"a.jpg"}, 100, 0); return err }},
		{run: func() error { _, err := c.TagBatch(ctx, nil, 1, 2); return err }},
		{run: func() error { _, err := c.TagBatch(ctx, []string{"a.jpg", " "}, 1, 2); return err }},
		{run: func() error { _, err := c.ClearTagBatch(ctx, []string{}); return err }},
	} {
		err := tc.run()
		var verr ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Test %d: Expected a ValidationError, got %v", i, err)
		}
	}
	if n := c.store.upserts.Load(); n != 0 {
		t.Errorf("Expected rejected input to write nothing, got %d writes", n)
	}

	if _, err := c.Tag(ctx, "nope.jpg", 1, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown file, got %v", err)
	}
}

func TestGetThumbnailUsesCache(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	testhelpers.WriteJPEG(t, filepath.Join(c.dir, "manta.jpg"), 800, 600, reefBlue, nil, time.Time{})
	mustReconcile(t, c)

	generated := c.ThumbnailsGenerated()
	first, err := c.GetThumbnail(ctx, "manta.jpg")
	if err != nil {
		t.Fatalf("first thumbnail: %v", err)
	}
	second, err := c.GetThumbnail(ctx, "manta.jpg")
	if err != nil {
		t.Fatalf("second thumbnail: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Expected identical thumbnail bytes")
	}
	if c.ThumbnailsGenerated() != generated {
		t.Errorf("Expected the cached thumbnail to be served, but %d were generated", c.ThumbnailsGenerated()-generated)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(first))
	if err != nil {
		t.Fatalf("decoding thumbnail: %v", err)
	}
	if cfg.Width != 400 || cfg.Height != 300 {
		t.Errorf("Expected a 400x300 thumbnail, got %dx%d", cfg.Width, cfg.Height)
	}

	// losing the cache regenerates exactly once
	if err := os.RemoveAll(filepath.Dir(c.thumbs.Path("manta.jpg"))); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(c.thumbs.Path("manta.jpg")), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetThumbnail(ctx, "manta.jpg"); err != nil {
		t.Fatalf("regenerating: %v", err)
	}
	if c.ThumbnailsGenerated() != generated+1 {
		t.Errorf("Expected one regeneration, got %d", c.ThumbnailsGenerated()-generated)
	}

	// a changed source regenerates once, then the new thumbnail is cached
	base := c.ThumbnailsGenerated()
	later := time.Now().Add(time.Hour).Truncate(time.Second)
	testhelpers.WriteJPEG(t, filepath.Join(c.dir, "manta.jpg"), 600, 800, reefBlue, nil, later)
	var rotated []byte
	for i := range 2 {
		rotated, err = c.GetThumbnail(ctx, "manta.jpg")
		if err != nil {
			t.Fatalf("thumbnail %d after rewrite: %v", i, err)
		}
	}
	if c.ThumbnailsGenerated() != base+1 {
		t.Errorf("Expected one regeneration for the changed source, got %d", c.ThumbnailsGenerated()-base)
	}
	cfg, err = jpeg.DecodeConfig(bytes.NewReader(rotated))
	if err != nil {
		t.Fatalf("decoding regenerated thumbnail: %v", err)
	}
	if cfg.Width != 300 || cfg.Height != 400 {
		t.Errorf("Expected a 300x400 thumbnail after rewrite, got %dx%d", cfg.Width, cfg.Height)
	}

	if _, err := c.GetThumbnail(ctx, "nope.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestNoThumbnailForFailedExtraction(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	if err := os.WriteFile(filepath.Join(c.dir, "broken.jpg"), []byte("not really a jpeg"), 0o600); err != nil {
		t.Fatal(err)
	}
	mustReconcile(t, c)
	if rec := mustGet(t, c, "broken.jpg"); !rec.ExtractionFailed {
		t.Fatalf("Expected extraction to fail, got %+v", rec)
	}

	// the file becomes decodable, but the record has not been
	// reconciled yet, so the thumbnailer must not be asked
	c.write(t, "broken.jpg", nil, time.Time{})

	generated := c.ThumbnailsGenerated()
	for i := range 2 {
		_, err := c.GetThumbnail(ctx, "broken.jpg")
		if !errors.Is(err, ErrNoThumbnail) {
			t.Errorf("Test %d: expected ErrNoThumbnail, got %v", i, err)
		}
	}
	if c.ThumbnailsGenerated() != generated {
		t.Errorf("Expected no thumbnail work for a failed record, got %d generations", c.ThumbnailsGenerated()-generated)
	}
	if exists(c.thumbs.Path("broken.jpg")) {
		t.Error("Expected no cached thumbnail for a failed record")
	}
}

func TestSyncOfVanishedFile(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})

	syncFile := func(filename string) syncOutcome {
		t.Helper()
		c.locks.Lock(filename)
		defer c.locks.Unlock(filename)
		_, outcome, err := c.syncLocked(ctx, filename, false)
		if err != nil {
			t.Fatalf("syncing %s: %v", filename, err)
		}
		return outcome
	}

	// listed, then gone before it was ever recorded
	if outcome := syncFile("ghost.jpg"); outcome != syncUnchanged {
		t.Errorf("Expected an unrecorded vanished file to count as unchanged, got %d", outcome)
	}

	c.write(t, "squid.jpg", nil, time.Time{})
	mustReconcile(t, c)
	if err := os.Remove(filepath.Join(c.dir, "squid.jpg")); err != nil {
		t.Fatal(err)
	}
	if outcome := syncFile("squid.jpg"); outcome != syncRemoved {
		t.Errorf("Expected a recorded vanished file to count as removed, got %d", outcome)
	}
	if _, err := c.GetRecord(ctx, "squid.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected the record to be deleted, got %v", err)
	}
	if outcome := syncFile("squid.jpg"); outcome != syncUnchanged {
		t.Errorf("Expected a second removal to count as unchanged, got %d", outcome)
	}
}

func TestTagRacesReextraction(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	content := testhelpers.JPEG(t, 40, 30, reefBlue, withGPS(16, 108))
	if _, err := c.Ingest(ctx, "dolphin.jpg", bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}

	for i := range 25 {
		lat, lon := -10.5, float64(20+i)

		var wg sync.WaitGroup
		errs := make(chan error, 3)
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := c.Ingest(ctx, "dolphin.jpg", bytes.NewReader(content))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := c.Reconcile(ctx)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := c.Tag(ctx, "dolphin.jpg", lat, lon)
			errs <- err
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Test %d: %v", i, err)
			}
		}

		mustReconcile(t, c)
		rec := mustGet(t, c, "dolphin.jpg")
		if !rec.ManuallyTagged || !rec.HasCoordinates() || *rec.Latitude != lat || *rec.Longitude != lon {
			t.Fatalf("Test %d: expected manual tag (%v, %v) to survive, got %+v", i, lat, lon, rec)
		}
	}
}

func TestSmallImagesAreNotEnlarged(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	c.write(t, "tiny.jpg", nil, time.Time{})
	mustReconcile(t, c)

	data, err := c.GetThumbnail(ctx, "tiny.jpg")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 40 || cfg.Height != 30 {
		t.Errorf("Expected 40x30, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{MaxFileSize: 1 << 20})

	content := testhelpers.JPEG(t, 64, 48, color.White, withGPS(5, 6))
	rec, err := c.Ingest(ctx, "nudibranch.jpg", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	if rec.Width == nil || *rec.Width != 64 || !rec.HasCoordinates() {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if rec.StoredPath != filepath.Join(c.dir, "nudibranch.jpg") || !exists(rec.StoredPath) {
		t.Errorf("Expected the file at %s", rec.StoredPath)
	}

	// replacing a manually tagged image keeps the tag
	if _, err := c.Tag(ctx, "nudibranch.jpg", 7, 8); err != nil {
		t.Fatal(err)
	}
	replacement := testhelpers.JPEG(t, 32, 32, color.Black, withGPS(50, 60))
	rec, err = c.Ingest(ctx, "nudibranch.jpg", bytes.NewReader(replacement))
	if err != nil {
		t.Fatalf("replacing: %v", err)
	}
	if *rec.Width != 32 || !rec.ManuallyTagged || *rec.Latitude != 7 || *rec.Longitude != 8 {
		t.Errorf("Expected new dimensions with the manual tag kept, got %+v", rec)
	}

	for i, tc := range []struct {
		filename  string
		content   []byte
		expectErr error
	}{
		{filename: "../escape.jpg", content: content, expectErr: ErrInvalidFilename},
		{filename: "sub/dir.jpg", content: content, expectErr: ErrInvalidFilename},
		{filename: ".hidden.jpg", content: content, expectErr: ErrInvalidFilename},
		{filename: "", content: content, expectErr: ErrInvalidFilename},
		{filename: "notes.txt", content: content, expectErr: ErrUnsupportedType},
		{filename: "huge.jpg", content: bytes.Repeat([]byte{0xFF}, 1<<20+1), expectErr: ErrFileTooLarge},
	} {
		_, err := c.Ingest(ctx, tc.filename, bytes.NewReader(tc.content))
		if !errors.Is(err, tc.expectErr) {
			t.Errorf("Test %d: Expected %v, got %v", i, tc.expectErr, err)
		}
	}
	if exists(filepath.Join(c.dir, "huge.jpg")) {
		t.Error("Oversized upload must not be left in the image folder")
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("Temporary file left behind: %s", entry.Name())
		}
	}

	// an unreadable upload is still recorded
	rec, err = c.Ingest(ctx, "garbled.png", strings.NewReader("garbage"))
	if err != nil {
		t.Fatalf("ingesting garbage: %v", err)
	}
	if !rec.ExtractionFailed {
		t.Errorf("Expected extraction failure to be recorded, got %+v", rec)
	}
}

func TestValidateFilename(t *testing.T) {
	for i, tc := range []struct {
		input     string
		expectErr error
	}{
		{input: "turtle.jpg"},
		{input: "Turtle.JPEG"},
		{input: "reef photo 01.png"},
		{input: "scan.tiff"},
		{input: "clip.heic"},
		{input: "a.avif"},
		{input: "", expectErr: ErrInvalidFilename},
		{input: ".jpg", expectErr: ErrInvalidFilename},
		{input: "../a.jpg", expectErr: ErrInvalidFilename},
		{input: `dir\a.jpg`, expectErr: ErrInvalidFilename},
		{input: "a\x00.jpg", expectErr: ErrInvalidFilename},
		{input: "movie.mp4", expectErr: ErrUnsupportedType},
		{input: "noext", expectErr: ErrUnsupportedType},
		{input: "upload.jpg.tmp", expectErr: ErrUnsupportedType},
	} {
		err := validateFilename(tc.input)
		if tc.expectErr == nil && err != nil {
			t.Errorf("Test %d: Expected %q to be valid, got %v", i, tc.input, err)
		}
		if tc.expectErr != nil && !errors.Is(err, tc.expectErr) {
			t.Errorf("Test %d: Expected %v for %q, got %v", i, tc.expectErr, tc.input, err)
		}
	}
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	c.write(t, "goby.jpg", nil, time.Time{})
	mustReconcile(t, c)

	if err := c.DeleteRecord(ctx, "goby.jpg"); err != nil {
		t.Fatalf("deleting: %v", err)
	}
	if exists(filepath.Join(c.dir, "goby.jpg")) || exists(c.thumbs.Path("goby.jpg")) {
		t.Error("Expected file and thumbnail to be deleted")
	}
	if _, err := c.GetRecord(ctx, "goby.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected record to be deleted, got %v", err)
	}
	if err := c.DeleteRecord(ctx, "goby.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListRecordsAndStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	c.write(t, "dive_10.jpg", withGPS(1, 2), time.Time{})
	c.write(t, "dive_2.jpg", nil, time.Time{})
	c.write(t, "Dive_1.jpg", nil, time.Time{})
	mustReconcile(t, c)
	if _, err := c.Tag(ctx, "dive_2.jpg", 3, 4); err != nil {
		t.Fatal(err)
	}

	records, err := c.ListRecords(ctx, ImageFilter{SearchText: "dive_"})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, rec := range records {
		names = append(names, rec.Filename)
	}
	if strings.Join(names, ",") != "Dive_1.jpg,dive_2.jpg,dive_10.jpg" {
		t.Errorf("Unexpected listing order: %v", names)
	}

	located, err := c.ListRecords(ctx, ImageFilter{WithCoordinatesOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(located) != 2 {
		t.Errorf("Expected 2 records with coordinates, got %d", len(located))
	}

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st != (Stats{Total: 3, WithCoordinates: 2, WithoutCoordinates: 1, ManuallyTagged: 1}) {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestLocations(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	c.write(t, "a.jpg", nil, time.Time{})
	mustReconcile(t, c)

	name := "Hon Mun"
	lat, lon := 12.17, 109.3

	for i, in := range []LocationInput{
		{Name: &name, Latitude: &lat},
		{Name: ptr("   "), Latitude: &lat, Longitude: &lon},
		{Name: &name, Latitude: ptr(95.0), Longitude: &lon},
	} {
		var verr ValidationError
		if _, err := c.SaveLocation(ctx, in); !errors.As(err, &verr) {
			t.Errorf("Test %d: Expected a ValidationError, got %v", i, err)
		}
	}

	loc, err := c.SaveLocation(ctx, LocationInput{Name: &name, Latitude: &lat, Longitude: &lon})
	if err != nil {
		t.Fatalf("creating location: %v", err)
	}

	edited, err := c.SaveLocation(ctx, LocationInput{ID: loc.ID, Description: ptr("marine park")})
	if err != nil {
		t.Fatalf("editing location: %v", err)
	}
	if edited.Name != name || edited.Latitude != lat || edited.Description == nil || *edited.Description != "marine park" {
		t.Errorf("Expected a partial update, got %+v", edited)
	}

	results, err := c.TagBatchFromLocation(ctx, []string{"a.jpg"}, loc.ID)
	if err != nil || len(results) != 1 || results[0].Status != BatchUpdated {
		t.Fatalf("Unexpected batch result %v (err=%v)", results, err)
	}
	if rec := mustGet(t, c, "a.jpg"); *rec.Latitude != lat || *rec.Longitude != lon {
		t.Errorf("Expected location coordinates, got %v %v", *rec.Latitude, *rec.Longitude)
	}

	if err := c.DeleteLocation(ctx, loc.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.TagBatchFromLocation(ctx, []string{"a.jpg"}, loc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for deleted location, got %v", err)
	}
	if rec := mustGet(t, c, "a.jpg"); !rec.HasCoordinates() {
		t.Error("Deleting a location must not untag images")
	}
}

func TestImportLegacy(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})
	c.write(t, "old_1.jpg", withGPS(20, 30), time.Time{})
	c.write(t, "old_2.jpg", nil, time.Time{})

	images := `[
		{"filename": "old_1.jpg", "latitude": -1.5, "longitude": 2.5, "manually_tagged": true},
		{"filename": "old_2.jpg", "latitude": null, "longitude": null, "manually_tagged": false},
		{"filename": "gone.jpg", "latitude": 1, "longitude": 1, "manually_tagged": true},
		{"filename": "../bad.jpg"}
	]`
	locations := `[
		{"name": "Cu Lao Cham", "latitude": 15.95, "longitude": 108.52, "description": "islands"},
		{"name": "Bad", "latitude": 200, "longitude": 0}
	]`

	report, err := c.ImportLegacy(ctx, strings.NewReader(images), strings.NewReader(locations))
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	expected := LegacyImportReport{
		Images:    ImportCounts{Imported: 2, Skipped: 1, Failed: 1},
		Locations: ImportCounts{Imported: 1, Failed: 1},
	}
	if report != expected {
		t.Errorf("Expected %+v, got %+v", expected, report)
	}

	rec := mustGet(t, c, "old_1.jpg")
	if !rec.ManuallyTagged || *rec.Latitude != -1.5 || *rec.Longitude != 2.5 {
		t.Errorf("Expected legacy manual tag, got %+v", rec)
	}
	if rec := mustGet(t, c, "old_2.jpg"); rec.ManuallyTagged || rec.HasCoordinates() {
		t.Errorf("Expected untagged record, got %+v", rec)
	}

	// second run only skips
	report, err = c.ImportLegacy(ctx, strings.NewReader(images), strings.NewReader(locations))
	if err != nil {
		t.Fatal(err)
	}
	if report.Images.Imported != 0 || report.Images.Skipped != 3 || report.Locations.Skipped != 1 {
		t.Errorf("Expected a second import to skip, got %+v", report)
	}

	if _, err := c.ImportLegacy(ctx, strings.NewReader("{not json"), nil); err == nil {
		t.Error("Expected a decoding error")
	}
}

func TestSeedDemo(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, Extractor{})

	for _, count := range []int{0, -1, maxDemoImages + 1} {
		var verr ValidationError
		if _, err := c.SeedDemo(ctx, count); !errors.As(err, &verr) {
			t.Errorf("count %d: Expected a ValidationError, got %v", count, err)
		}
	}

	n, err := c.SeedDemo(ctx, 3)
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 images, got %d", n)
	}
	records, err := c.ListRecords(ctx, ImageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.ExtractionFailed {
			t.Errorf("Expected %s to be readable: %s", rec.Filename, rec.ExtractionError)
		}
		if !exists(rec.StoredPath) {
			t.Errorf("Expected file for %s", rec.Filename)
		}
	}
}

func TestReconcileReportsMissingFolder(t *testing.T) {
	c := newTestCatalog(t, Extractor{})
	if err := os.RemoveAll(c.dir); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(context.Background()); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected a not-exist error, got %v", err)
	}
}
