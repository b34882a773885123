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

import "context"

// Store is the durable collection of image records and locations.
// It does not know about files on disk; keeping records in step
// with the image directory is the Catalog's job. Implementations
// must be safe for concurrent use.
type Store interface {
	// GetImage returns ErrNotFound if there is no record for filename.
	GetImage(ctx context.Context, filename string) (ImageRecord, error)
	ListImages(ctx context.Context, filter ImageFilter) ([]ImageRecord, error)

	// ImageSignatures returns the stored change signature of every
	// record, keyed by filename.
	ImageSignatures(ctx context.Context) (map[string]FileSignature, error)

	// UpsertImage inserts or replaces rec. CreatedAt is kept from the
	// existing row on update; UpdatedAt is always set to now. The
	// stored record is returned.
	UpsertImage(ctx context.Context, rec ImageRecord) (ImageRecord, error)

	// DeleteImage returns ErrNotFound if there was nothing to delete.
	DeleteImage(ctx context.Context, filename string) error

	ImageStats(ctx context.Context) (Stats, error)

	ListLocations(ctx context.Context) ([]Location, error)
	GetLocation(ctx context.Context, id string) (Location, error)
	// UpsertLocation creates loc when its ID is empty, otherwise
	// replaces the existing location (ErrNotFound if none).
	UpsertLocation(ctx context.Context, loc Location) (Location, error)
	DeleteLocation(ctx context.Context, id string) error

	Close() error
}
