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
	"strings"
)

// LocationInput creates or edits a saved location. For a new
// location (empty ID) Name, Latitude, and Longitude are required.
// For an edit, nil fields keep their current values.
type LocationInput struct {
	ID          string   `json:"id,omitempty"`
	Name        *string  `json:"name,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Description *string  `json:"description,omitempty"`
}

// ListLocations returns all saved locations by name.
func (c *Catalog) ListLocations(ctx context.Context) ([]Location, error) {
	return c.store.ListLocations(ctx)
}

// GetLocation returns the saved location with id, or ErrNotFound.
func (c *Catalog) GetLocation(ctx context.Context, id string) (Location, error) {
	return c.store.GetLocation(ctx, id)
}

// SaveLocation creates or updates a saved location.
func (c *Catalog) SaveLocation(ctx context.Context, in LocationInput) (Location, error) {
	var loc Location
	if in.ID != "" {
		existing, err := c.store.GetLocation(ctx, in.ID)
		if err != nil {
			return Location{}, err
		}
		loc = existing
	} else if in.Name == nil || in.Latitude == nil || in.Longitude == nil {
		return Location{}, ValidationError{Field: "location", Reason: "name, latitude, and longitude are required"}
	}

	if in.Name != nil {
		loc.Name = strings.TrimSpace(*in.Name)
	}
	if in.Latitude != nil {
		loc.Latitude = *in.Latitude
	}
	if in.Longitude != nil {
		loc.Longitude = *in.Longitude
	}
	if in.Description != nil {
		loc.Description = in.Description
	}

	if loc.Name == "" {
		return Location{}, ValidationError{Field: "name", Reason: "must not be blank"}
	}
	if err := validateCoordinates(loc.Latitude, loc.Longitude); err != nil {
		return Location{}, err
	}

	return c.store.UpsertLocation(ctx, loc)
}

// DeleteLocation deletes the saved location with id. Images tagged
// from it keep their coordinates.
func (c *Catalog) DeleteLocation(ctx context.Context, id string) error {
	return c.store.DeleteLocation(ctx, id)
}
