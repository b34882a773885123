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

import "sync"

// Modified from https://medium.com/@petrlozhkin/kmutex-lock-mutex-by-unique-id-408467659c24

// keyedMutex serializes work per key (here, per filename) while
// letting different keys proceed in parallel.
type keyedMutex struct {
	cond *sync.Cond
	held map[string]struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		cond: sync.NewCond(new(sync.Mutex)),
		held: make(map[string]struct{}),
	}
}

func (km *keyedMutex) Lock(key string) {
	km.cond.L.Lock()
	defer km.cond.L.Unlock()
	for km.isHeld(key) {
		km.cond.Wait()
	}
	km.held[key] = struct{}{}
}

func (km *keyedMutex) Unlock(key string) {
	km.cond.L.Lock()
	defer km.cond.L.Unlock()
	delete(km.held, key)
	km.cond.Broadcast()
}

func (km *keyedMutex) isHeld(key string) (ok bool) {
	_, ok = km.held[key]
	return
}
