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
	"strconv"
	"strings"
)

// flagValPair associates a flag with its value.
type flagValPair struct {
	flag string
	val  any
}

// flagValPairs parses command line arguments into flags and their
// values. A value may follow its flag as the next argument or be
// attached with "=" (--flag=value). A flag followed directly by
// another flag, or by nothing, is boolean true. A value written as
// "[a b c]" across arguments is a list.
func flagValPairs(args []string) []flagValPair {
	var pairs []flagValPair

	pending := ""
	flush := func() {
		if pending != "" {
			pairs = append(pairs, flagValPair{flag: pending, val: true})
			pending = ""
		}
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if isFlag(arg) {
			flush()
			if name, val, ok := strings.Cut(arg, "="); ok {
				pairs = append(pairs, flagValPair{flag: name, val: autoType(val)})
				continue
			}
			pending = arg
			continue
		}

		var val any
		if strings.HasPrefix(arg, "[") {
			var list []any
			list, i = listValue(args, i)
			val = list
		} else {
			val = autoType(arg)
		}
		pairs = append(pairs, flagValPair{flag: pending, val: val})
		pending = ""
	}
	flush()

	return pairs
}

// listValue collects the elements of a list that opens at args[start]
// and returns them with the index of the argument that closed it. An
// unclosed list runs to the end of args.
func listValue(args []string, start int) ([]any, int) {
	list := []any{}
	for j := start; j < len(args); j++ {
		elem := args[j]
		if j == start {
			elem = elem[1:]
		}
		closed := strings.HasSuffix(elem, "]")
		elem = strings.TrimSuffix(elem, "]")
		if elem != "" {
			list = append(list, autoType(elem))
		}
		if closed {
			return list, j
		}
	}
	return list, len(args) - 1
}

// isFlag returns whether s looks like a flag argument.
func isFlag(s string) bool {
	return len(s) > 2 && strings.HasPrefix(s, "--")
}

// autoType returns the value of str in its JSON type. Values with
// leading zeros (as in "0042") stay strings.
func autoType(str string) any {
	s := strings.TrimSpace(str)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return str
	}
	if num, err := strconv.Atoi(s); err == nil {
		return num
	}
	if dec, err := strconv.ParseFloat(s, 64); err == nil {
		return dec
	}
	return str
}
