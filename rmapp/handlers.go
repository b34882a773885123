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

package rmapp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/reefmap/reefmap/catalog"
	"go.uber.org/zap"
)

type uploadPayload struct {
	// Path of the file to send, when used from the command line.
	File string `json:"file"`
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}

	// stream the file part straight to the catalog, which enforces its size limit
	mr, err := r.MultipartReader()
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "reading multipart request",
			Message:    "Expected a multipart/form-data upload.",
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Error{
				Err:        err,
				HTTPStatus: http.StatusBadRequest,
				Log:        "reading multipart request",
				Message:    "The upload was malformed or cut short.",
			}
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}
		rec, err := cat.Ingest(r.Context(), part.FileName(), part)
		part.Close()
		return jsonResponse(w, rec, err)
	}
	return Error{
		Err:        errors.New("no file part"),
		HTTPStatus: http.StatusBadRequest,
		Message:    "The upload has no 'file' field.",
	}
}

func (s *server) handleImage(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	filename := r.Context().Value(ctxKeyPayload).(*string)
	rec, err := cat.GetRecord(r.Context(), *filename)
	return jsonResponse(w, rec, err)
}

type searchImagesResponse struct {
	Total  int                   `json:"total"`
	Images []catalog.ImageRecord `json:"images"`
}

func (s *server) handleSearchImages(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	filter := r.Context().Value(ctxKeyPayload).(*catalog.ImageFilter)
	records, err := cat.ListRecords(r.Context(), *filter)
	if records == nil {
		records = []catalog.ImageRecord{}
	}
	return jsonResponse(w, searchImagesResponse{Total: len(records), Images: records}, err)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	stats, err := cat.Stats(r.Context())
	return jsonResponse(w, stats, err)
}

type thumbnailPayload struct {
	Filename string `json:"filename"`
}

func (s *server) handleThumbnail(w http.ResponseWriter, r *http.Request) error {
	if accept := r.Header.Get("Accept"); accept != "" {
		acc, err := parseAccept(accept)
		if err != nil {
			return Error{
				Err:        err,
				HTTPStatus: http.StatusBadRequest,
				Log:        "parsing Accept header",
			}
		}
		if acc.preference(thumbnailContentType) == "" {
			return Error{
				Err:        fmt.Errorf("client does not accept %s", thumbnailContentType),
				HTTPStatus: http.StatusNotAcceptable,
				Message:    "Thumbnails are only available as JPEG.",
			}
		}
	}

	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	thumb, err := cat.GetThumbnail(r.Context(), r.FormValue("filename"))
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", thumbnailContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(thumb)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(thumb)
	return nil
}

type tagPayload struct {
	Filename  string   `json:"filename"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (s *server) handleTag(w http.ResponseWriter, r *http.Request) error {
	payload := r.Context().Value(ctxKeyPayload).(*tagPayload)
	if payload.Latitude == nil || payload.Longitude == nil {
		return catalog.ValidationError{Field: "coordinates", Reason: "latitude and longitude are both required"}
	}
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	rec, err := cat.Tag(r.Context(), payload.Filename, *payload.Latitude, *payload.Longitude)
	return jsonResponse(w, rec, err)
}

func (s *server) handleClearTag(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	filename := r.Context().Value(ctxKeyPayload).(*string)
	rec, err := cat.ClearTag(r.Context(), *filename)
	return jsonResponse(w, rec, err)
}

// tagBatchPayload selects exactly one of three modes: explicit
// coordinates, the coordinates of a saved location, or clearing.
type tagBatchPayload struct {
	Filenames  []string `json:"filenames"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	LocationID string   `json:"location_id,omitempty"`
	Clear      bool     `json:"clear,omitempty"`
}

func (p tagBatchPayload) validate() error {
	modes := 0
	if p.Latitude != nil || p.Longitude != nil {
		if p.Latitude == nil || p.Longitude == nil {
			return catalog.ValidationError{Field: "coordinates", Reason: "latitude and longitude are both required"}
		}
		modes++
	}
	if p.LocationID != "" {
		modes++
	}
	if p.Clear {
		modes++
	}
	if modes != 1 {
		return catalog.ValidationError{Field: "payload", Reason: "give exactly one of coordinates, location_id, or clear"}
	}
	return nil
}

func (s *server) handleTagBatch(w http.ResponseWriter, r *http.Request) error {
	payload := r.Context().Value(ctxKeyPayload).(*tagBatchPayload)
	if err := payload.validate(); err != nil {
		return err
	}
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}

	var results []catalog.BatchItemResult
	switch {
	case payload.Clear:
		results, err = cat.ClearTagBatch(r.Context(), payload.Filenames)
	case payload.LocationID != "":
		results, err = cat.TagBatchFromLocation(r.Context(), payload.Filenames, payload.LocationID)
	default:
		results, err = cat.TagBatch(r.Context(), payload.Filenames, *payload.Latitude, *payload.Longitude)
	}
	if results == nil {
		return jsonResponse(w, nil, err)
	}
	// per-item failures are reported in the results themselves
	if err != nil {
		s.log.Warn("some images in batch could not be tagged",
			zap.Int("batch_size", len(results)),
			zap.Error(err))
	}
	return jsonResponse(w, results, nil)
}

type reconcileResponse struct {
	catalog.ReconcileResult
	Errors []string `json:"errors,omitempty"`
}

func (s *server) handleReconcile(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	result, err := cat.Reconcile(r.Context())
	resp := reconcileResponse{ReconcileResult: result}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		// the pass finished; only some files failed
		for _, e := range merr.Errors {
			resp.Errors = append(resp.Errors, e.Error())
		}
		err = nil
	}
	return jsonResponse(w, resp, err)
}

func (s *server) handleDeleteImage(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	filename := r.Context().Value(ctxKeyPayload).(*string)
	return jsonResponse(w, nil, cat.DeleteRecord(r.Context(), *filename))
}

type locationsResponse struct {
	Total     int                `json:"total"`
	Locations []catalog.Location `json:"locations"`
}

func (s *server) handleLocations(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	locs, err := cat.ListLocations(r.Context())
	if locs == nil {
		locs = []catalog.Location{}
	}
	return jsonResponse(w, locationsResponse{Total: len(locs), Locations: locs}, err)
}

func (s *server) handleSaveLocation(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	input := r.Context().Value(ctxKeyPayload).(*catalog.LocationInput)
	loc, err := cat.SaveLocation(r.Context(), *input)
	return jsonResponse(w, loc, err)
}

func (s *server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) error {
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	id := r.Context().Value(ctxKeyPayload).(*string)
	return jsonResponse(w, nil, cat.DeleteLocation(r.Context(), *id))
}

// importLegacyPayload names files on the server's file system.
type importLegacyPayload struct {
	ImagesFile    string `json:"images_file,omitempty"`
	LocationsFile string `json:"locations_file,omitempty"`
}

func (s *server) handleImportLegacy(w http.ResponseWriter, r *http.Request) error {
	payload := r.Context().Value(ctxKeyPayload).(*importLegacyPayload)
	if payload.ImagesFile == "" && payload.LocationsFile == "" {
		return catalog.ValidationError{Field: "payload", Reason: "give images_file, locations_file, or both"}
	}
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}

	var images, locations io.Reader
	if payload.ImagesFile != "" {
		f, err := os.Open(payload.ImagesFile)
		if err != nil {
			return err
		}
		defer f.Close()
		images = f
	}
	if payload.LocationsFile != "" {
		f, err := os.Open(payload.LocationsFile)
		if err != nil {
			return err
		}
		defer f.Close()
		locations = f
	}

	report, err := cat.ImportLegacy(r.Context(), images, locations)
	return jsonResponse(w, report, err)
}

type seedDemoPayload struct {
	Count int `json:"count,omitempty"`
}

func (s *server) handleSeedDemo(w http.ResponseWriter, r *http.Request) error {
	payload := r.Context().Value(ctxKeyPayload).(*seedDemoPayload)
	count := payload.Count
	if count == 0 {
		count = defaultDemoCount
	}
	cat, err := s.app.openCatalog()
	if err != nil {
		return err
	}
	created, err := cat.SeedDemo(r.Context(), count)
	return jsonResponse(w, map[string]int{"created": created}, err)
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) error {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "upgrading request to websocket",
			Message:    "This endpoint expects a WebSocket client.",
		}
	}
	defer conn.Close()

	catalog.AddLogConn(conn)
	defer catalog.RemoveLogConn(conn)

	// hold the connection until the client goes away
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true }, // Origin is checked before the upgrade
}

const (
	thumbnailContentType = "image/jpeg"
	defaultDemoCount     = 12
)
