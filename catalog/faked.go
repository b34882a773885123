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
	"fmt"
	"os"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"
)

// SeedDemo ingests count generated photos for demos and manual
// testing. About half of them get a manual geotag somewhere off
// the coast of Da Nang. It returns how many were created.
func (c *Catalog) SeedDemo(ctx context.Context, count int) (int, error) {
	if count <= 0 || count > maxDemoImages {
		return 0, ValidationError{Field: "count", Reason: fmt.Sprintf("must be between 1 and %d", maxDemoImages)}
	}
	log := c.log.Named("demo")

	created := 0
	for created < count {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		filename := fmt.Sprintf("%s_%s.jpg",
			strings.ToLower(strings.ReplaceAll(gofakeit.Animal(), " ", "-")),
			gofakeit.Numerify("####"))
		if _, err := os.Stat(c.sourcePath(filename)); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return created, err
		}

		size := gofakeit.Number(320, 1280)
		img := gofakeit.ImageJpeg(size, size*3/4)
		if _, err := c.Ingest(ctx, filename, bytes.NewReader(img)); err != nil {
			return created, fmt.Errorf("ingesting demo image: %w", err)
		}
		created++

		if gofakeit.Bool() {
			lat := gofakeit.Float64Range(15.9, 16.2)
			lon := gofakeit.Float64Range(108.2, 108.5)
			if _, err := c.Tag(ctx, filename, lat, lon); err != nil {
				return created, fmt.Errorf("tagging demo image: %w", err)
			}
		}
		log.Debug("seeded demo image", zap.String("filename", filename))
	}

	return created, nil
}

const maxDemoImages = 500
