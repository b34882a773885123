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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/reefmap/reefmap/catalog"
)

func (a *App) registerCommands() {
	a.commands = map[string]Endpoint{
		"clear-tag": {
			Handler: a.server.handleClearTag,
			Method:  http.MethodPost,
			Payload: "",
			Help:    "Removes the coordinates of an image so they are read from the file again.",
		},
		"delete-image": {
			Handler: a.server.handleDeleteImage,
			Method:  http.MethodDelete,
			Payload: "",
			Help:    "Deletes an image file, its thumbnail, and its record.",
		},
		"delete-location": {
			Handler: a.server.handleDeleteLocation,
			Method:  http.MethodDelete,
			Payload: "",
			Help:    "Deletes a saved location. Images tagged from it keep their coordinates.",
		},
		"image": {
			Handler: a.server.handleImage,
			Method:  http.MethodPost,
			Payload: "",
			Help:    "Returns the record of one image.",
		},
		"import-legacy": {
			Handler: a.server.handleImportLegacy,
			Method:  http.MethodPost,
			Payload: importLegacyPayload{},
			Help:    "Imports images_metadata.json and locations.json from the old file-based app.",
		},
		"locations": {
			Handler: a.server.handleLocations,
			Method:  http.MethodGet,
			Help:    "Lists saved locations.",
		},
		"logs": {
			Handler: a.server.handleLogs,
			Method:  http.MethodGet,
			Help:    "Initiates a WebSocket connection to send logs.",
		},
		"reconcile": {
			Handler: a.server.handleReconcile,
			Method:  http.MethodPost,
			Help:    "Brings the records in line with the image folder.",
		},
		"save-location": {
			Handler: a.server.handleSaveLocation,
			Method:  http.MethodPost,
			Payload: catalog.LocationInput{},
			Help:    "Creates a location, or updates the given fields of an existing one.",
		},
		"search-images": {
			Handler: a.server.handleSearchImages,
			Method:  http.MethodPost,
			Payload: catalog.ImageFilter{},
			Help:    "Lists image records, optionally filtered.",
		},
		"seed-demo": {
			Handler: a.server.handleSeedDemo,
			Method:  http.MethodPost,
			Payload: seedDemoPayload{},
			Help:    "Adds generated demo photos to the image folder.",
		},
		"stats": {
			Handler: a.server.handleStats,
			Method:  http.MethodGet,
			Help:    "Returns counts of images by geotag state.",
		},
		"tag": {
			Handler: a.server.handleTag,
			Method:  http.MethodPost,
			Payload: tagPayload{},
			Help:    "Sets the coordinates of an image manually.",
		},
		"tag-batch": {
			Handler: a.server.handleTagBatch,
			Method:  http.MethodPost,
			Payload: tagBatchPayload{},
			Help:    "Tags or clears many images with the same coordinates or saved location.",
		},
		"thumbnail": {
			Handler:     a.server.handleThumbnail,
			Method:      http.MethodGet,
			ContentType: Form,
			Payload:     thumbnailPayload{},
			Help:        "Returns the JPEG thumbnail of an image.",
		},
		"upload": {
			Handler:     a.server.handleUpload,
			Method:      http.MethodPost,
			ContentType: Multipart,
			Payload:     uploadPayload{},
			Help:        "Adds an image file (or replaces one with the same name).",
		},
	}
}

type Endpoint struct {
	Method      string
	ContentType ContentType
	Payload     any
	Handler     handlerFunc
	Help        string
}

// GetContentType returns the Content-Type of the endpoint, which
// defaults to JSON for methods with a body when there is a payload.
func (e Endpoint) GetContentType() ContentType {
	if e.ContentType == None && e.Payload != nil &&
		(e.Method == http.MethodPost || e.Method == http.MethodPut ||
			e.Method == http.MethodPatch || e.Method == http.MethodDelete) {
		return JSON
	}
	return e.ContentType
}

type ctxKey string

var ctxKeyPayload ctxKey = "payload"

func (e Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	switch e.GetContentType() {
	case JSON:
		payload := reflect.New(reflect.TypeOf(e.Payload)).Interface()
		if r.ContentLength != 0 {
			err := json.NewDecoder(r.Body).Decode(payload)
			if err != nil {
				return Error{
					Err:        err,
					HTTPStatus: http.StatusBadRequest,
					Log:        "decoding request body as JSON",
					Message:    "Invalid JSON in request body.",
				}
			}
		}
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyPayload, payload))
	case Form, Multipart, None:
	}

	return e.Handler(w, r)
}

func (a *App) CommandLineHelp() string {
	type commandEndpoint struct {
		command  string
		endpoint Endpoint
	}
	commands := make([]commandEndpoint, 0, len(a.commands))
	for command, endpoint := range a.commands {
		commands = append(commands, commandEndpoint{command, endpoint})
	}
	sort.Slice(commands, func(i, j int) bool {
		return commands[i].command < commands[j].command
	})

	var sb strings.Builder

	sb.WriteString(`Reefmap catalogs underwater sighting photos: it reads their
camera metadata and GPS position, keeps thumbnails, and lets you
place the photos on a map by hand when the camera had no fix.

It is a server, a command line client, and an HTTP JSON API with
symmetric commands. Commands run against the server if one is
running, otherwise directly against the catalog.

Usage:
  reefmap [-config <file>] [command] [args...]

Examples:
  $ reefmap serve
  $ reefmap upload --file ~/dives/manta_01.jpg
  $ reefmap tag --filename manta_01.jpg --latitude 16.0551 --longitude 108.2022
  $ reefmap tag-batch --filenames [a.jpg b.jpg] --location-id <id>

Available Commands:`)

	for _, pair := range commands {
		sb.WriteString("\n  ")
		sb.WriteString(pair.command)

		if pair.endpoint.Payload != nil {
			val := reflect.ValueOf(pair.endpoint.Payload)
			kind := val.Kind()

			switch kind { //nolint:exhaustive
			case reflect.Struct:
				for i, field := range nestedFields(pair.endpoint.Payload) {
					argName, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
					if argName == "" || argName == "-" {
						continue
					}
					argName = strings.ReplaceAll(argName, "_", "-")
					if i > 0 && i%3 == 0 {
						sb.WriteString("\n\t\t")
					}
					if strings.Contains(opts, "omitempty") {
						sb.WriteString(fmt.Sprintf(" [--%s <%s>]", argName, field.Type))
					} else {
						sb.WriteString(fmt.Sprintf(" --%s <%s>", argName, field.Type))
					}
				}
			default:
				sb.WriteString(" <")
				sb.WriteString(kind.String())
				sb.WriteRune('>')
			}
		}

		sb.WriteString("\n      ")
		sb.WriteString(pair.endpoint.Help)
		sb.WriteRune('\n')
	}

	return sb.String()
}

// nestedFields flattens the struct fields from embedded structs of thing,
// which must be a struct.
func nestedFields(thing any) []reflect.StructField {
	val := reflect.ValueOf(thing)
	typ := reflect.TypeOf(thing)

	var fields []reflect.StructField
	for i := range typ.NumField() {
		typf := typ.Field(i)
		valf := val.Field(i)
		if valf.Kind() == reflect.Struct && typf.Anonymous {
			fields = append(fields, nestedFields(valf.Interface())...)
		} else {
			fields = append(fields, typf)
		}
	}
	return fields
}

// ContentType is an HTTP Content-Type value.
type ContentType string

// Content types that are supported.
const (
	JSON      ContentType = "application/json"
	Form      ContentType = "application/x-www-form-urlencoded"
	Multipart ContentType = "multipart/form-data"
	None      ContentType = ""
)

const apiBasePath = "/api/"
