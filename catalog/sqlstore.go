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
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // register the postgres driver
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
	"github.com/maruel/natural"
	"go.uber.org/zap"
)

//go:embed schema.sql
var createSQLiteDB string

//go:embed schema_postgres.sql
var createPostgresDB string

// SQLStore is a Store backed by SQLite (the default) or PostgreSQL.
type SQLStore struct {
	// SQLite allows only one writer at a time, so writes take
	// the write lock and reads take the read lock.
	db   *sqlx.DB
	dbMu sync.RWMutex

	driver string
	log    *zap.Logger
}

// OpenStore opens and provisions the database at databaseURL.
// URLs beginning with postgres:// or postgresql:// select
// PostgreSQL; anything else is a path to a SQLite file, with an
// optional sqlite:// prefix.
func OpenStore(ctx context.Context, databaseURL string) (*SQLStore, error) {
	driver, dsn, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		log:    Log.Named("store"),
	}
	if err := s.provision(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func parseDatabaseURL(databaseURL string) (driver, dsn string, err error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "postgres", databaseURL, nil
	}
	dbPath := strings.TrimPrefix(databaseURL, "sqlite://")
	if dbPath == "" {
		return "", "", errors.New("no database path")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("creating database folder: %w", err)
		}
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return "sqlite3", dbPath + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", nil
}

func (s *SQLStore) provision(ctx context.Context) error {
	schema := createSQLiteDB
	if s.driver == "postgres" {
		schema = createPostgresDB
	} else {
		var version string
		if err := s.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err == nil {
			s.log.Debug("opened database", zap.String("sqlite_version", version))
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("provisioning database: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	return s.db.Close()
}

// imageRow is the database shape of an ImageRecord.
type imageRow struct {
	Filename         string   `db:"filename"`
	StoredPath       string   `db:"stored_path"`
	Width            *int     `db:"width"`
	Height           *int     `db:"height"`
	CameraMake       *string  `db:"camera_make"`
	CameraModel      *string  `db:"camera_model"`
	CapturedAt       *int64   `db:"captured_at"`
	ModifiedAt       *int64   `db:"modified_at"`
	TimeOffset       *int     `db:"time_offset"`
	Latitude         *float64 `db:"latitude"`
	Longitude        *float64 `db:"longitude"`
	ManuallyTagged   bool     `db:"manually_tagged"`
	ExtractionFailed bool     `db:"extraction_failed"`
	ExtractionError  *string  `db:"extraction_error"`
	FileSize         int64    `db:"file_size"`
	FileModTime      int64    `db:"file_mod_time"`
	ContentHash      []byte   `db:"content_hash"`
	ThumbHash        []byte   `db:"thumb_hash"`
	CreatedAt        int64    `db:"created_at"`
	UpdatedAt        int64    `db:"updated_at"`
}

const imageColumns = `filename, stored_path, width, height, camera_make, camera_model,
	captured_at, modified_at, time_offset, latitude, longitude, manually_tagged,
	extraction_failed, extraction_error, file_size, file_mod_time, content_hash,
	thumb_hash, created_at, updated_at`

func newImageRow(rec ImageRecord) imageRow {
	row := imageRow{
		Filename:         rec.Filename,
		StoredPath:       rec.StoredPath,
		Width:            rec.Width,
		Height:           rec.Height,
		CameraMake:       rec.CameraMake,
		CameraModel:      rec.CameraModel,
		Latitude:         rec.Latitude,
		Longitude:        rec.Longitude,
		ManuallyTagged:   rec.ManuallyTagged,
		ExtractionFailed: rec.ExtractionFailed,
		FileSize:         rec.FileSize,
		FileModTime:      rec.FileModTime.UnixNano(),
		ContentHash:      rec.ContentHash,
		ThumbHash:        rec.ThumbHash,
	}
	if rec.ExtractionError != "" {
		row.ExtractionError = &rec.ExtractionError
	}
	for _, ts := range []*time.Time{rec.CapturedAt, rec.ModifiedAt} {
		if ts != nil && row.TimeOffset == nil {
			_, offset := ts.Zone()
			row.TimeOffset = &offset
		}
	}
	if rec.CapturedAt != nil {
		ms := rec.CapturedAt.UnixMilli()
		row.CapturedAt = &ms
	}
	if rec.ModifiedAt != nil {
		ms := rec.ModifiedAt.UnixMilli()
		row.ModifiedAt = &ms
	}
	return row
}

func (row imageRow) record() ImageRecord {
	rec := ImageRecord{
		Filename:         row.Filename,
		StoredPath:       row.StoredPath,
		Width:            row.Width,
		Height:           row.Height,
		CameraMake:       row.CameraMake,
		CameraModel:      row.CameraModel,
		Latitude:         row.Latitude,
		Longitude:        row.Longitude,
		ManuallyTagged:   row.ManuallyTagged,
		ExtractionFailed: row.ExtractionFailed,
		FileSize:         row.FileSize,
		FileModTime:      time.Unix(0, row.FileModTime),
		ContentHash:      row.ContentHash,
		ThumbHash:        row.ThumbHash,
		CreatedAt:        time.UnixMilli(row.CreatedAt),
		UpdatedAt:        time.UnixMilli(row.UpdatedAt),
	}
	if row.ExtractionError != nil {
		rec.ExtractionError = *row.ExtractionError
	}

	// keep the wall time the camera recorded rather than
	// rendering in the server's local zone
	zone := time.UTC
	if row.TimeOffset != nil {
		zone = time.FixedZone("", *row.TimeOffset)
	}
	if row.CapturedAt != nil {
		ts := time.UnixMilli(*row.CapturedAt).In(zone)
		rec.CapturedAt = &ts
	}
	if row.ModifiedAt != nil {
		ts := time.UnixMilli(*row.ModifiedAt).In(zone)
		rec.ModifiedAt = &ts
	}
	return rec
}

func (s *SQLStore) GetImage(ctx context.Context, filename string) (ImageRecord, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	var row imageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+imageColumns+` FROM images WHERE filename=? LIMIT 1`), filename)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRecord{}, fmt.Errorf("image %s: %w", filename, ErrNotFound)
	}
	if err != nil {
		return ImageRecord{}, fmt.Errorf("loading image %s: %w", filename, err)
	}
	return row.record(), nil
}

func (s *SQLStore) ListImages(ctx context.Context, filter ImageFilter) ([]ImageRecord, error) {
	var clauses []string
	var args []any
	if search := strings.TrimSpace(filter.SearchText); search != "" {
		clauses = append(clauses, `LOWER(filename) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(search))+"%")
	}
	if filter.WithCoordinatesOnly {
		clauses = append(clauses, "latitude IS NOT NULL AND longitude IS NOT NULL")
	}

	q := `SELECT ` + imageColumns + ` FROM images`
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}

	var rows []imageRow
	s.dbMu.RLock()
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...)
	s.dbMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}

	records := make([]ImageRecord, len(rows))
	for i, row := range rows {
		records[i] = row.record()
	}
	sort.SliceStable(records, func(i, j int) bool {
		return natural.Less(records[i].Filename, records[j].Filename)
	})
	return records, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *SQLStore) ImageSignatures(ctx context.Context) (map[string]FileSignature, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT filename, file_size, file_mod_time, content_hash FROM images`)
	if err != nil {
		return nil, fmt.Errorf("querying image signatures: %w", err)
	}
	defer rows.Close()

	sigs := make(map[string]FileSignature)
	for rows.Next() {
		var filename string
		var size, modTime int64
		var hash []byte
		if err := rows.Scan(&filename, &size, &modTime, &hash); err != nil {
			return nil, fmt.Errorf("scanning image signature: %w", err)
		}
		sigs[filename] = FileSignature{Size: size, ModTime: time.Unix(0, modTime), Hash: hash}
	}
	return sigs, rows.Err()
}

func (s *SQLStore) UpsertImage(ctx context.Context, rec ImageRecord) (ImageRecord, error) {
	row := newImageRow(rec)
	now := time.Now().UnixMilli()
	row.CreatedAt, row.UpdatedAt = now, now

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	var createdAt int64
	err := s.db.GetContext(ctx, &createdAt, s.db.Rebind(`INSERT INTO images (`+imageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (filename) DO UPDATE SET
			stored_path=excluded.stored_path,
			width=excluded.width,
			height=excluded.height,
			camera_make=excluded.camera_make,
			camera_model=excluded.camera_model,
			captured_at=excluded.captured_at,
			modified_at=excluded.modified_at,
			time_offset=excluded.time_offset,
			latitude=excluded.latitude,
			longitude=excluded.longitude,
			manually_tagged=excluded.manually_tagged,
			extraction_failed=excluded.extraction_failed,
			extraction_error=excluded.extraction_error,
			file_size=excluded.file_size,
			file_mod_time=excluded.file_mod_time,
			content_hash=excluded.content_hash,
			thumb_hash=excluded.thumb_hash,
			updated_at=excluded.updated_at
		RETURNING created_at`),
		row.Filename, row.StoredPath, row.Width, row.Height, row.CameraMake, row.CameraModel,
		row.CapturedAt, row.ModifiedAt, row.TimeOffset, row.Latitude, row.Longitude, row.ManuallyTagged,
		row.ExtractionFailed, row.ExtractionError, row.FileSize, row.FileModTime, row.ContentHash,
		row.ThumbHash, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return ImageRecord{}, fmt.Errorf("storing image %s: %w", rec.Filename, err)
	}
	row.CreatedAt = createdAt

	return row.record(), nil
}

func (s *SQLStore) DeleteImage(ctx context.Context, filename string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM images WHERE filename=?`), filename)
	if err != nil {
		return fmt.Errorf("deleting image %s: %w", filename, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("image %s: %w", filename, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ImageStats(ctx context.Context) (Stats, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN latitude IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN manually_tagged THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN extraction_failed THEN 1 ELSE 0 END), 0)
		FROM images`).Scan(&st.Total, &st.WithCoordinates, &st.ManuallyTagged, &st.ExtractionFailed)
	if err != nil {
		return Stats{}, fmt.Errorf("counting images: %w", err)
	}
	st.WithoutCoordinates = st.Total - st.WithCoordinates
	return st, nil
}

type locationRow struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	Latitude    float64 `db:"latitude"`
	Longitude   float64 `db:"longitude"`
	Description *string `db:"description"`
	CreatedAt   int64   `db:"created_at"`
	UpdatedAt   int64   `db:"updated_at"`
}

func (row locationRow) location() Location {
	return Location{
		ID:          row.ID,
		Name:        row.Name,
		Latitude:    row.Latitude,
		Longitude:   row.Longitude,
		Description: row.Description,
		CreatedAt:   time.UnixMilli(row.CreatedAt),
		UpdatedAt:   time.UnixMilli(row.UpdatedAt),
	}
}

const locationColumns = `id, name, latitude, longitude, description, created_at, updated_at`

func (s *SQLStore) ListLocations(ctx context.Context) ([]Location, error) {
	var rows []locationRow
	s.dbMu.RLock()
	err := s.db.SelectContext(ctx, &rows, `SELECT `+locationColumns+` FROM locations ORDER BY name`)
	s.dbMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("listing locations: %w", err)
	}
	locs := make([]Location, len(rows))
	for i, row := range rows {
		locs[i] = row.location()
	}
	return locs, nil
}

func (s *SQLStore) GetLocation(ctx context.Context, id string) (Location, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	return s.getLocation(ctx, id)
}

func (s *SQLStore) getLocation(ctx context.Context, id string) (Location, error) {
	var row locationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+locationColumns+` FROM locations WHERE id=? LIMIT 1`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Location{}, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Location{}, fmt.Errorf("loading location %s: %w", id, err)
	}
	return row.location(), nil
}

func (s *SQLStore) UpsertLocation(ctx context.Context, loc Location) (Location, error) {
	now := time.Now().UnixMilli()

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if loc.ID == "" {
		loc.ID = uuid.NewString()
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO locations (`+locationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			loc.ID, loc.Name, loc.Latitude, loc.Longitude, loc.Description, now, now)
		if err != nil {
			return Location{}, fmt.Errorf("inserting location: %w", err)
		}
	} else {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE locations
			SET name=?, latitude=?, longitude=?, description=?, updated_at=?
			WHERE id=?`),
			loc.Name, loc.Latitude, loc.Longitude, loc.Description, now, loc.ID)
		if err != nil {
			return Location{}, fmt.Errorf("updating location %s: %w", loc.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return Location{}, fmt.Errorf("location %s: %w", loc.ID, ErrNotFound)
		}
	}

	return s.getLocation(ctx, loc.ID)
}

func (s *SQLStore) DeleteLocation(ctx context.Context, id string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM locations WHERE id=?`), id)
	if err != nil {
		return fmt.Errorf("deleting location %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	return nil
}

// interface guard
var _ Store = (*SQLStore)(nil)
