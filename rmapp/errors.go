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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	mathrand "math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/reefmap/reefmap/catalog"
	"go.uber.org/zap"
)

// Error is a JSON-serializable representation of an error.
type Error struct {
	Err             error    `json:"-"`
	HTTPStatus      int      `json:"http_status"`               // recommended HTTP status to send to the client
	Log             string   `json:"-"`                         // optional; for logs, technical context in which the error was produced
	Message         string   `json:"message,omitempty"`         // optional; a human-readable sentence
	Recommendations []string `json:"recommendations,omitempty"` // optional
	Data            any      `json:"data,omitempty"`            // optional; any extra data that should be included or handled specially

	// generated; don't fill these out
	ID        string `json:"id,omitempty"` // for associating log entries
	ErrString string `json:"error"`        // to ensure string serialization
}

func (e Error) Error() string {
	var msg strings.Builder
	if e.Log != "" {
		msg.WriteString(e.Log)
		if e.Err != nil {
			msg.WriteString(": ")
		}
	}
	if e.Err != nil {
		msg.WriteString(e.Err.Error())
	}
	if e.Message != "" {
		msg.WriteString(fmt.Sprintf(" (%s)", e.Message))
	}
	if e.ID != "" {
		msg.WriteString(fmt.Sprintf(" {id=%s}", e.ID))
	}
	return msg.String()
}

func (e Error) Unwrap() error { return e.Err }

// httpStatusFromErr picks a status for errors that did not come
// with one.
func httpStatusFromErr(err error, defaultStatus int) int {
	var verr catalog.ValidationError
	switch {
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, catalog.ErrNoThumbnail):
		return http.StatusNotFound
	case errors.As(err, &verr),
		errors.Is(err, catalog.ErrInvalidFilename),
		errors.Is(err, catalog.ErrUnsupportedType):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	}
	return defaultStatus
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var errVal Error
	if !errors.As(err, &errVal) {
		errVal = Error{Err: err}
	}

	// give this error a unique ID so it can be found in the logs
	errVal.ID = newErrorID()

	if errVal.Err == nil {
		errVal.Err = errors.New(strings.ToLower(http.StatusText(errVal.HTTPStatus)))
	}
	errVal.ErrString = errVal.Err.Error()

	if errVal.HTTPStatus == 0 {
		errVal.HTTPStatus = httpStatusFromErr(errVal.Err, http.StatusInternalServerError)
	}
	if errVal.Log == "" {
		errVal.Log = "handling request"
	}
	if errVal.Message == "" {
		errVal.Message = errVal.Err.Error()
	}
	if errVal.HTTPStatus >= http.StatusInternalServerError {
		errVal.Recommendations = append(errVal.Recommendations,
			"Make any relevant changes, then try again.",
			fmt.Sprintf("If it still doesn't work, include this ID when reporting the problem: %s", errVal.ID),
		)
	}

	logFn := catalog.Log.Named("http").Error
	if errVal.HTTPStatus < http.StatusInternalServerError {
		logFn = catalog.Log.Named("http").Warn
	}
	logFn(errVal.Log,
		zap.Error(errVal.Err),
		zap.Int("status", errVal.HTTPStatus),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("error_id", errVal.ID),
		zap.Any("data", errVal.Data),
	)

	jsonBytes, err := json.Marshal(errVal)
	if err != nil {
		catalog.Log.Error("encoding error response",
			zap.Error(err),
			zap.String("original_error", errVal.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(jsonBytes)))
	status := errVal.HTTPStatus
	if status < http.StatusOK {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = w.Write(jsonBytes)
}

func newErrorID() string {
	const idLen = 8
	return randString(idLen, true)
}

// randString returns a string of n random characters. It is not
// secure. Easily confused characters (I, l, 1, 0, O) and some
// vowels are left out.
func randString(n int, lowerCase bool) string {
	if n <= 0 {
		return ""
	}
	dict := []byte("abcdefghjkmnopqrstvwxyzABCDEFGHJKLMNPQRTUVWXY23456789")
	if lowerCase {
		dict = []byte("abcdefghjkmnpqrstvwxyz23456789")
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = dict[mathrand.Int63()%int64(len(dict))] //nolint:gosec
	}
	return string(b)
}
