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
	"image"
	_ "image/gif" // register image decoders
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cozy/goexif2/exif"
	"github.com/cozy/goexif2/mknote"
	_ "github.com/gen2brain/avif" // register AVIF image decoder
	"github.com/ringsaturn/tzf"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp" // register BMP, TIFF, and WebP image decoders
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func init() {
	exif.RegisterParsers(mknote.All...)
}

// Extraction is the candidate metadata read from one file. Every
// field is independently optional. If Failed is set, the file could
// not be read as an image and every other field is empty.
type Extraction struct {
	Width       *int
	Height      *int
	CameraMake  *string
	CameraModel *string
	CapturedAt  *time.Time
	ModifiedAt  *time.Time
	Geotag      Geotag

	Failed bool
	Err    error
}

func failedExtraction(err error) Extraction {
	return Extraction{Failed: true, Err: err}
}

// apply copies the extracted fields onto rec. Coordinates are only
// copied when keepCoordinates is false.
func (ex Extraction) apply(rec *ImageRecord, keepCoordinates bool) {
	rec.Width, rec.Height = ex.Width, ex.Height
	rec.CameraMake, rec.CameraModel = ex.CameraMake, ex.CameraModel
	rec.CapturedAt, rec.ModifiedAt = ex.CapturedAt, ex.ModifiedAt
	rec.ExtractionFailed = ex.Failed
	rec.ExtractionError = ""
	if ex.Err != nil {
		rec.ExtractionError = ex.Err.Error()
	}
	if !keepCoordinates {
		rec.setCoordinates(ex.Geotag)
	}
}

// Extractor reads structural and embedded metadata from image files.
type Extractor struct {
	// Files larger than this are not opened. Zero means no limit.
	MaxFileSize int64

	// Extraction of a single file is abandoned after this long.
	// Zero means no limit.
	Timeout time.Duration

	// Zone for EXIF timestamps when the image has no usable
	// position. Nil means UTC.
	DefaultZone *time.Location
}

// Extract reads metadata from the file at path. It never returns
// an error; failures are reported on the result so one bad file
// does not hold up others.
func (e Extractor) Extract(ctx context.Context, path string) Extraction {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	// a decoder stuck on a hostile file can't be interrupted,
	// so run it on its own goroutine and stop waiting if needed
	result := make(chan Extraction, 1)
	go func() {
		result <- e.extract(path)
	}()

	select {
	case ex := <-result:
		return ex
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failedExtraction(errExtractionTimeout)
		}
		return failedExtraction(fmt.Errorf("extracting metadata: %w", ctx.Err()))
	}
}

func (e Extractor) extract(path string) Extraction {
	file, err := os.Open(path)
	if err != nil {
		return failedExtraction(err)
	}
	defer file.Close()

	if e.MaxFileSize > 0 {
		info, err := file.Stat()
		if err != nil {
			return failedExtraction(err)
		}
		if info.Size() > e.MaxFileSize {
			return failedExtraction(fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, info.Size(), e.MaxFileSize))
		}
	}

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return failedExtraction(fmt.Errorf("reading image header: %w", err))
	}
	ex := Extraction{Width: &cfg.Width, Height: &cfg.Height}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return failedExtraction(err)
	}
	x, err := exif.Decode(file)
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		// no (usable) EXIF is normal for many images
		return ex
	}

	ex.CameraMake = exifString(x, exif.Make)
	ex.CameraModel = exifString(x, exif.Model)
	ex.Geotag = NormalizeGeotag(RawGeotag{
		Latitude:  exifGeotagAxis(x, exif.GPSLatitude, exif.GPSLatitudeRef),
		Longitude: exifGeotagAxis(x, exif.GPSLongitude, exif.GPSLongitudeRef),
	})

	zone := e.DefaultZone
	if lat, lon, ok := ex.Geotag.Coordinates(); ok {
		if tz := timeZoneAt(lat, lon); tz != nil {
			zone = tz
		}
	}
	if zone == nil {
		zone = time.UTC
	}
	ex.CapturedAt = exifTime(x, exif.DateTimeOriginal, zone)
	ex.ModifiedAt = exifTime(x, exif.DateTime, zone)

	return ex
}

func exifString(x *exif.Exif, field exif.FieldName) *string {
	tag, err := x.Get(field)
	if err != nil {
		return nil
	}
	val, err := tag.StringVal()
	if err != nil {
		return nil
	}
	val = strings.TrimSpace(strings.Trim(val, "\x00"))
	if val == "" {
		return nil
	}
	return &val
}

// exifTimeLayout is how EXIF stores DateTime and DateTimeOriginal.
const exifTimeLayout = "2006:01:02 15:04:05"

func exifTime(x *exif.Exif, field exif.FieldName, zone *time.Location) *time.Time {
	str := exifString(x, field)
	if str == nil {
		return nil
	}
	ts, err := time.ParseInLocation(exifTimeLayout, *str, zone)
	if err != nil || ts.IsZero() {
		return nil
	}
	return &ts
}

// exifGeotagAxis reads one GPS axis without interpreting it. A
// missing value tag yields nil; a missing ref tag yields "".
func exifGeotagAxis(x *exif.Exif, valueField, refField exif.FieldName) *GeotagAxis {
	tag, err := x.Get(valueField)
	if err != nil {
		return nil
	}
	axis := new(GeotagAxis)
	for i := range int(tag.Count) {
		num, den, err := tag.Rat2(i)
		if err != nil {
			return nil
		}
		axis.Values = append(axis.Values, Rational{Num: num, Den: den})
	}
	if ref := exifString(x, refField); ref != nil {
		axis.Ref = *ref
	}
	return axis
}

var (
	tzFinder     tzf.F
	tzFinderOnce sync.Once
)

// timeZoneAt returns the time zone containing the coordinates,
// or nil if it can't be determined.
func timeZoneAt(lat, lon float64) *time.Location {
	tzFinderOnce.Do(func() {
		finder, err := tzf.NewDefaultFinder()
		if err != nil {
			Log.Named("extractor").Error("loading time zone finder", zap.Error(err))
			return
		}
		tzFinder = finder
	})
	if tzFinder == nil {
		return nil
	}
	name := tzFinder.GetTimezoneName(lon, lat)
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil
	}
	return loc
}

// errExtractionTimeout is reported when a file takes too long to read.
var errExtractionTimeout = errors.New("metadata extraction timed out")
