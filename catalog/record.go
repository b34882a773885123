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
	"errors"
	"fmt"
	"time"
)

// ImageRecord is the stored metadata for one image file. The
// filename is the key and is stable for the life of the file.
type ImageRecord struct {
	Filename   string `json:"filename"`
	StoredPath string `json:"stored_path"`

	Width       *int       `json:"width,omitempty"`
	Height      *int       `json:"height,omitempty"`
	CameraMake  *string    `json:"camera_make,omitempty"`
	CameraModel *string    `json:"camera_model,omitempty"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"` // EXIF DateTimeOriginal
	ModifiedAt  *time.Time `json:"modified_at,omitempty"` // EXIF DateTime

	// Latitude and Longitude are both set or both nil.
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	ManuallyTagged bool     `json:"manually_tagged"`

	ExtractionFailed bool   `json:"extraction_failed,omitempty"`
	ExtractionError  string `json:"extraction_error,omitempty"`

	// change signature of the source file as of the last extraction
	FileSize    int64     `json:"file_size"`
	FileModTime time.Time `json:"file_mod_time"`
	ContentHash []byte    `json:"content_hash,omitempty"` // BLAKE3

	ThumbHash []byte `json:"thumb_hash,omitempty"` // aspect ratio (float32, BE) + thumbhash

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCoordinates reports whether the record carries a position.
func (r ImageRecord) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Signature returns the change signature stored on the record.
func (r ImageRecord) Signature() FileSignature {
	return FileSignature{Size: r.FileSize, ModTime: r.FileModTime, Hash: r.ContentHash}
}

func (r *ImageRecord) setCoordinates(g Geotag) {
	if lat, lon, ok := g.Coordinates(); ok {
		r.Latitude, r.Longitude = &lat, &lon
		return
	}
	r.Latitude, r.Longitude = nil, nil
}

// FileSignature identifies a version of a file's content.
type FileSignature struct {
	Size    int64
	ModTime time.Time
	Hash    []byte
}

// sameStat reports whether size and modification time match,
// which is the cheap check done before hashing.
func (s FileSignature) sameStat(other FileSignature) bool {
	return s.Size == other.Size && s.ModTime.Equal(other.ModTime)
}

// Location is a named point of interest whose coordinates can
// be copied onto images.
type Location struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ImageFilter narrows ListImages results.
type ImageFilter struct {
	SearchText          string `json:"search_text,omitempty"`
	WithCoordinatesOnly bool   `json:"with_coordinates_only,omitempty"`
}

// Stats summarizes the image collection.
type Stats struct {
	Total              int `json:"total"`
	WithCoordinates    int `json:"with_coordinates"`
	WithoutCoordinates int `json:"without_coordinates"`
	ManuallyTagged     int `json:"manually_tagged"`
	ExtractionFailed   int `json:"extraction_failed"`
}

var (
	// ErrNotFound is returned when no record exists for a filename or ID.
	ErrNotFound = errors.New("not found")

	// ErrInvalidFilename is returned for names that are not a plain file name.
	ErrInvalidFilename = errors.New("invalid filename")

	// ErrUnsupportedType is returned for files whose extension is not an image type we track.
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrFileTooLarge is returned when an upload exceeds the configured size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrNoThumbnail is returned for records whose file could not be
	// decoded, so no thumbnail can be made from it.
	ErrNoThumbnail = errors.New("no thumbnail available")
)

// ValidationError describes input rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validateCoordinates(lat, lon float64) error {
	if !ValidLatitude(lat) {
		return ValidationError{Field: "latitude", Reason: fmt.Sprintf("%v is not within [-90, 90]", lat)}
	}
	if !ValidLongitude(lon) {
		return ValidationError{Field: "longitude", Reason: fmt.Sprintf("%v is not within [-180, 180]", lon)}
	}
	return nil
}
