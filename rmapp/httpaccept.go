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
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// acceptHeader is a parsed Accept header, most preferred first.
type acceptHeader []mediaRange

func parseAccept(accept string) (acceptHeader, error) {
	parts := strings.Split(accept, ",")
	ranges := make(acceptHeader, 0, len(parts))
	for _, part := range parts {
		params := strings.Split(part, ";")
		mimeType := strings.ToLower(strings.TrimSpace(params[0]))
		if mimeType == "" {
			continue
		}
		mr := mediaRange{mimeType: mimeType, weight: 1}
		for _, param := range params[1:] {
			key, val, _ := strings.Cut(strings.TrimSpace(param), "=")
			if !strings.EqualFold(key, "q") {
				continue
			}
			weight, err := strconv.ParseFloat(val, 32)
			if err != nil || weight < 0 || weight > 1 {
				return nil, fmt.Errorf("bad q value '%s'", val)
			}
			mr.weight = float32(weight)
		}
		ranges = append(ranges, mr)
	}
	sort.SliceStable(ranges, func(i, j int) bool {
		return ranges[i].weight > ranges[j].weight
	})
	return ranges, nil
}

// preference returns the first of possibleTypes the client will
// take, in the client's order of preference, or "" if none is
// acceptable. A type is refused by the most specific range that
// matches it, so "image/jpeg;q=0, */*" refuses JPEG.
func (acc acceptHeader) preference(possibleTypes ...string) string {
	for _, mr := range acc {
		for _, possible := range possibleTypes {
			if mr.matches(possible) && acc.weightOf(possible) > 0 {
				return possible
			}
		}
	}
	return ""
}

// weightOf returns the q-factor of the most specific range
// that matches candidate.
func (acc acceptHeader) weightOf(candidate string) float32 {
	best, bestSpecificity := float32(0), -1
	for _, mr := range acc {
		if !mr.matches(candidate) {
			continue
		}
		if s := mr.specificity(); s > bestSpecificity {
			best, bestSpecificity = mr.weight, s
		}
	}
	return best
}

type mediaRange struct {
	mimeType string
	weight   float32
}

func (m mediaRange) matches(candidate string) bool {
	if m.mimeType == "*/*" {
		return true
	}
	type1, sub1, _ := strings.Cut(m.mimeType, "/")
	type2, sub2, _ := strings.Cut(strings.TrimSpace(candidate), "/")
	if !strings.EqualFold(type1, type2) {
		return false
	}
	return sub1 == "*" || strings.EqualFold(sub1, sub2)
}

func (m mediaRange) specificity() int {
	switch {
	case m.mimeType == "*/*":
		return 0
	case strings.HasSuffix(m.mimeType, "/*"):
		return 1
	default:
		return 2 //nolint:mnd
	}
}
