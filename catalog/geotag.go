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
	"fmt"
	"math"
	"strings"
)

// Rational is an unsigned EXIF rational as stored in the file.
// A zero denominator is read as zero, not as an error; some
// cameras write 0/0 for fields they never filled in.
type Rational struct {
	Num, Den int64
}

func (r Rational) float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// GeotagAxis is one raw GPS axis: degrees, minutes and seconds
// plus the hemisphere reference character (N/S or E/W).
type GeotagAxis struct {
	Values []Rational
	Ref    string
}

// RawGeotag is the GPS subset of a file's embedded tags exactly
// as it was read. A nil axis means the tag was not present.
type RawGeotag struct {
	Latitude  *GeotagAxis
	Longitude *GeotagAxis
}

// Geotag is the normalized result: either a coordinate pair or
// a definitive absence. The zero value is Absent.
type Geotag struct {
	present bool
	lat     float64
	lon     float64
}

// Absent is the Geotag for "no usable position".
var Absent = Geotag{}

// Present returns a Geotag carrying lat and lon.
func Present(lat, lon float64) Geotag {
	return Geotag{present: true, lat: lat, lon: lon}
}

// Coordinates returns the pair and true if g is Present.
func (g Geotag) Coordinates() (lat, lon float64, ok bool) {
	return g.lat, g.lon, g.present
}

func (g Geotag) String() string {
	if !g.present {
		return "Absent"
	}
	return fmt.Sprintf("Present(%.6f, %.6f)", g.lat, g.lon)
}

// NormalizeGeotag converts raw GPS tags into decimal degrees.
//
// An axis whose degrees, minutes and seconds are all zero and
// whose reference is empty is the "no fix" sentinel many cameras
// write, so it makes the whole geotag Absent. Zero values paired
// with a real reference are a legitimate position on the equator
// or prime meridian and are kept.
func NormalizeGeotag(raw RawGeotag) Geotag {
	lat, ok := normalizeAxis(raw.Latitude, "S")
	if !ok {
		return Absent
	}
	lon, ok := normalizeAxis(raw.Longitude, "W")
	if !ok {
		return Absent
	}
	if !ValidLatitude(lat) || !ValidLongitude(lon) {
		return Absent
	}
	return Present(lat, lon)
}

func normalizeAxis(axis *GeotagAxis, negativeRef string) (float64, bool) {
	if axis == nil || len(axis.Values) != 3 {
		return 0, false
	}
	ref := strings.ToUpper(strings.Trim(axis.Ref, " \x00"))

	deg, minutes, sec := axis.Values[0].float(), axis.Values[1].float(), axis.Values[2].float()
	if deg == 0 && minutes == 0 && sec == 0 && ref == "" {
		return 0, false
	}

	dd := deg + minutes/60 + sec/3600
	if ref == negativeRef {
		dd = -dd
	}
	return dd, !math.IsNaN(dd) && !math.IsInf(dd, 0)
}

// ValidLatitude reports whether lat is a finite value in [-90, 90].
func ValidLatitude(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

// ValidLongitude reports whether lon is a finite value in [-180, 180].
func ValidLongitude(lon float64) bool {
	return !math.IsNaN(lon) && lon >= -180 && lon <= 180
}
