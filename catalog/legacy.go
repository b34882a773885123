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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// legacyImage is an entry of the images_metadata.json file kept by
// earlier, file-based versions of the app. Only the geotag fields
// are used; everything else is extracted from the file again.
type legacyImage struct {
	Filename       string   `json:"filename"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	ManuallyTagged bool     `json:"manually_tagged"`
}

// legacyLocation is an entry of the old locations.json file.
type legacyLocation struct {
	Name        string  `json:"name"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description *string `json:"description"`
}

// ImportCounts tallies one collection of a legacy import.
type ImportCounts struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// LegacyImportReport is the result of ImportLegacy.
type LegacyImportReport struct {
	Images    ImportCounts `json:"images"`
	Locations ImportCounts `json:"locations"`
}

// ImportLegacy loads the JSON files of the old file-based app.
// Either reader may be nil. Images that already have a record, or
// whose file is not in the image folder, are skipped; the rest are
// registered from their files and keep their manual geotags.
// Locations whose name is already saved are skipped.
func (c *Catalog) ImportLegacy(ctx context.Context, images, locations io.Reader) (LegacyImportReport, error) {
	var report LegacyImportReport
	log := c.log.Named("legacy")

	if images != nil {
		var entries []legacyImage
		if err := json.NewDecoder(images).Decode(&entries); err != nil {
			return report, fmt.Errorf("decoding legacy images: %w", err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			imported, err := c.importLegacyImage(ctx, entry)
			switch {
			case err != nil:
				report.Images.Failed++
				log.Error("importing legacy image", zap.String("filename", entry.Filename), zap.Error(err))
			case imported:
				report.Images.Imported++
			default:
				report.Images.Skipped++
			}
		}
	}

	if locations != nil {
		var entries []legacyLocation
		if err := json.NewDecoder(locations).Decode(&entries); err != nil {
			return report, fmt.Errorf("decoding legacy locations: %w", err)
		}
		existing, err := c.store.ListLocations(ctx)
		if err != nil {
			return report, err
		}
		names := make(map[string]struct{}, len(existing))
		for _, loc := range existing {
			names[loc.Name] = struct{}{}
		}
		for _, entry := range entries {
			if _, ok := names[entry.Name]; ok {
				report.Locations.Skipped++
				continue
			}
			_, err := c.SaveLocation(ctx, LocationInput{
				Name:        &entry.Name,
				Latitude:    &entry.Latitude,
				Longitude:   &entry.Longitude,
				Description: entry.Description,
			})
			if err != nil {
				report.Locations.Failed++
				log.Error("importing legacy location", zap.String("name", entry.Name), zap.Error(err))
				continue
			}
			names[entry.Name] = struct{}{}
			report.Locations.Imported++
		}
	}

	log.Info("legacy import finished",
		zap.Int("images_imported", report.Images.Imported),
		zap.Int("images_skipped", report.Images.Skipped),
		zap.Int("locations_imported", report.Locations.Imported),
		zap.Int("locations_skipped", report.Locations.Skipped))

	return report, nil
}

func (c *Catalog) importLegacyImage(ctx context.Context, entry legacyImage) (bool, error) {
	if err := validateFilename(entry.Filename); err != nil {
		return false, err
	}

	c.locks.Lock(entry.Filename)
	defer c.locks.Unlock(entry.Filename)

	_, err := c.store.GetImage(ctx, entry.Filename)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if _, err := os.Stat(c.sourcePath(entry.Filename)); err != nil {
		c.log.Warn("legacy image has no file", zap.String("filename", entry.Filename))
		return false, nil
	}

	if _, _, err := c.syncLocked(ctx, entry.Filename, true); err != nil {
		return false, err
	}

	if entry.ManuallyTagged && entry.Latitude != nil && entry.Longitude != nil {
		if err := validateCoordinates(*entry.Latitude, *entry.Longitude); err != nil {
			c.log.Warn("dropping invalid legacy geotag", zap.String("filename", entry.Filename), zap.Error(err))
			return true, nil
		}
		if _, err := c.tagLocked(ctx, entry.Filename, Present(*entry.Latitude, *entry.Longitude)); err != nil {
			return false, err
		}
	}
	return true, nil
}
