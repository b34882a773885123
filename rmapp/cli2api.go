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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// makeForm encodes args as URL-encoded form data.
func makeForm(args []string) string {
	formVals := url.Values{}
	for _, pair := range flagValPairs(args) {
		formVals.Add(sanitizeFlag(pair.flag), fmt.Sprintf("%v", pair.val))
	}
	return formVals.Encode()
}

// makeMultipart encodes args as a multipart form. Values of flags
// named in fileFields are paths of files to attach; everything else
// is a plain field. It returns the body and its Content-Type.
func makeMultipart(args []string, fileFields ...string) (*bytes.Buffer, string, error) {
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)

	for _, pair := range flagValPairs(args) {
		name := sanitizeFlag(pair.flag)
		val := fmt.Sprintf("%v", pair.val)

		isFile := false
		for _, f := range fileFields {
			isFile = isFile || f == name
		}
		if !isFile {
			if err := mw.WriteField(name, val); err != nil {
				return nil, "", err
			}
			continue
		}

		if err := attachFile(mw, name, val); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return body, mw.FormDataContentType(), nil
}

func attachFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// sanitizeFlag turns a flag like "--location-id" into the field
// name "location_id".
func sanitizeFlag(s string) string {
	name := strings.TrimPrefix(strings.TrimPrefix(s, "-"), "-")
	return strings.ReplaceAll(name, "-", "_")
}

// makeJSON encodes args as a JSON value. A single non-flag argument
// becomes a scalar, for endpoints whose payload is just a filename
// or an ID. Otherwise flags become object keys; dots in a flag
// nest objects and "[n]" indexes into arrays, so
// "--filenames[1] b.jpg" sets the second element of "filenames".
func makeJSON(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) == 1 && !isFlag(args[0]) {
		return json.Marshal(autoType(args[0]))
	}

	var obj any
	for _, pair := range flagValPairs(args) {
		var err error
		obj, err = traverse(obj, flagPath(sanitizeFlag(pair.flag)), pair.val)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(obj)
}

// flagPath splits a sanitized flag into the keys and array indexes
// it addresses: "a.b[2].c" is ["a", "b", "[2]", "c"].
func flagPath(flag string) []string {
	var parts []string
	for _, part := range strings.Split(flag, ".") {
		if k := strings.Index(part, "["); k > 0 && strings.HasSuffix(part, "]") {
			parts = append(parts, part[:k], part[k:])
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

// traverse sets val at path within obj, creating maps and arrays
// as needed, and returns the updated obj.
func traverse(obj any, path []string, val any) (any, error) {
	if len(path) == 0 {
		return val, nil
	}
	part := path[0]

	if len(part) > 1 && part[0] == '[' && part[len(part)-1] == ']' {
		idx, err := strconv.Atoi(part[1 : len(part)-1])
		if err != nil || idx < 0 {
			return obj, fmt.Errorf("invalid array index %s", part)
		}
		if obj == nil {
			obj = []any{}
		}
		arr, ok := obj.([]any)
		if !ok {
			return obj, fmt.Errorf("inconsistent structure: expected an array at %s but got %T", part, obj)
		}
		if len(arr) <= idx {
			arr = append(arr, make([]any, idx-len(arr)+1)...)
		}
		arr[idx], err = traverse(arr[idx], path[1:], val)
		return arr, err
	}

	if obj == nil {
		obj = make(map[string]any)
	}
	m, ok := obj.(map[string]any)
	if !ok {
		return obj, fmt.Errorf("inconsistent structure: expected a map at %s but got %T", part, obj)
	}
	var err error
	m[part], err = traverse(m[part], path[1:], val)
	return m, err
}
