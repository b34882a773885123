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

// Package testhelpers builds fixtures for tests.
package testhelpers

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"testing"
	"time"
)

// EXIF is the subset of tags JPEG can embed in a fixture. Empty
// strings and a nil GPS are left out of the file.
type EXIF struct {
	Make             string
	Model            string
	DateTime         string // "2006:01:02 15:04:05"
	DateTimeOriginal string
	GPS              *GPS
}

// GPS holds raw GPS tags as they appear in a file: each axis is
// three [numerator, denominator] pairs.
type GPS struct {
	LatitudeRef  string
	Latitude     [3][2]uint32
	LongitudeRef string
	Longitude    [3][2]uint32
}

// DMS is shorthand for a degrees/minutes/seconds triple with the
// seconds given in tenths.
func DMS(deg, minutes, tenthSeconds uint32) [3][2]uint32 {
	return [3][2]uint32{{deg, 1}, {minutes, 1}, {tenthSeconds, 10}}
}

// JPEG encodes a width x height image filled with fill and embeds
// meta as an EXIF APP1 segment if it is not nil.
func JPEG(t *testing.T, width, height int, fill color.Color, meta *EXIF) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encoding fixture JPEG: %v", err)
	}
	encoded := buf.Bytes()
	if meta == nil {
		return encoded
	}

	tiff := meta.tiff()
	const exifHeader = "Exif\x00\x00"
	segLen := 2 + len(exifHeader) + len(tiff)
	if segLen > 0xFFFF {
		t.Fatalf("EXIF segment too large: %d bytes", segLen)
	}

	out := make([]byte, 0, len(encoded)+segLen+2)
	out = append(out, encoded[:2]...) // SOI
	out = append(out, 0xFF, 0xE1)
	out = binary.BigEndian.AppendUint16(out, uint16(segLen))
	out = append(out, exifHeader...)
	out = append(out, tiff...)
	out = append(out, encoded[2:]...)
	return out
}

// WriteJPEG writes a fixture from JPEG to path and sets its
// modification time to modTime if it is not zero.
func WriteJPEG(t *testing.T, path string, width, height int, fill color.Color, meta *EXIF, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, JPEG(t, width, height, fill, meta), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(path, modTime, modTime); err != nil {
			t.Fatalf("setting fixture mtime: %v", err)
		}
	}
}

// TIFF field types
const (
	typeASCII    = 2
	typeLong     = 4
	typeRational = 5
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func asciiEntry(tag uint16, s string) ifdEntry {
	data := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}
}

func longEntry(tag uint16, v uint32) ifdEntry {
	return ifdEntry{tag: tag, typ: typeLong, count: 1, data: binary.BigEndian.AppendUint32(nil, v)}
}

func rationalEntry(tag uint16, vals [3][2]uint32) ifdEntry {
	var data []byte
	for _, v := range vals {
		data = binary.BigEndian.AppendUint32(data, v[0])
		data = binary.BigEndian.AppendUint32(data, v[1])
	}
	return ifdEntry{tag: tag, typ: typeRational, count: uint32(len(vals)), data: data}
}

func ifdSize(entries []ifdEntry) int {
	size := 2 + 12*len(entries) + 4
	for _, e := range entries {
		if len(e.data) > 4 {
			size += len(e.data) + len(e.data)%2
		}
	}
	return size
}

// appendIFD appends entries as an IFD that begins at offset start
// within the TIFF data, followed by its out-of-line values.
func appendIFD(out []byte, start int, entries []ifdEntry) []byte {
	dataOffset := start + 2 + 12*len(entries) + 4
	out = binary.BigEndian.AppendUint16(out, uint16(len(entries)))
	for _, e := range entries {
		out = binary.BigEndian.AppendUint16(out, e.tag)
		out = binary.BigEndian.AppendUint16(out, e.typ)
		out = binary.BigEndian.AppendUint32(out, e.count)
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			out = append(out, inline[:]...)
		} else {
			out = binary.BigEndian.AppendUint32(out, uint32(dataOffset))
			dataOffset += len(e.data) + len(e.data)%2
		}
	}
	out = binary.BigEndian.AppendUint32(out, 0) // no next IFD
	for _, e := range entries {
		if len(e.data) > 4 {
			out = append(out, e.data...)
			if len(e.data)%2 == 1 {
				out = append(out, 0)
			}
		}
	}
	return out
}

// tiff lays out IFD0, then the Exif IFD, then the GPS IFD, as a
// big-endian TIFF structure.
func (m EXIF) tiff() []byte {
	var ifd0, exifIFD, gpsIFD []ifdEntry
	if m.Make != "" {
		ifd0 = append(ifd0, asciiEntry(0x010F, m.Make))
	}
	if m.Model != "" {
		ifd0 = append(ifd0, asciiEntry(0x0110, m.Model))
	}
	if m.DateTime != "" {
		ifd0 = append(ifd0, asciiEntry(0x0132, m.DateTime))
	}
	if m.DateTimeOriginal != "" {
		exifIFD = append(exifIFD, asciiEntry(0x9003, m.DateTimeOriginal))
	}
	if m.GPS != nil {
		gpsIFD = append(gpsIFD,
			asciiEntry(0x0001, m.GPS.LatitudeRef),
			rationalEntry(0x0002, m.GPS.Latitude),
			asciiEntry(0x0003, m.GPS.LongitudeRef),
			rationalEntry(0x0004, m.GPS.Longitude),
		)
	}

	// pointers are LONGs, so their size is known before their values
	withPointers := len(ifd0)
	if len(exifIFD) > 0 {
		withPointers++
	}
	if len(gpsIFD) > 0 {
		withPointers++
	}
	const ifd0Start = 8
	placeholder := make([]ifdEntry, withPointers)
	for i := range placeholder {
		if i < len(ifd0) {
			placeholder[i] = ifd0[i]
		} else {
			placeholder[i] = longEntry(0, 0)
		}
	}
	exifStart := ifd0Start + ifdSize(placeholder)
	gpsStart := exifStart
	if len(exifIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8769, uint32(exifStart)))
		gpsStart += ifdSize(exifIFD)
	}
	if len(gpsIFD) > 0 {
		ifd0 = append(ifd0, longEntry(0x8825, uint32(gpsStart)))
	}

	out := []byte{'M', 'M', 0x00, 0x2A, 0x00, 0x00, 0x00, ifd0Start}
	out = appendIFD(out, ifd0Start, ifd0)
	if len(exifIFD) > 0 {
		out = appendIFD(out, exifStart, exifIFD)
	}
	if len(gpsIFD) > 0 {
		out = appendIFD(out, gpsStart, gpsIFD)
	}
	return out
}
