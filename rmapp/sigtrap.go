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
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/reefmap/reefmap/catalog"
)

// TrapSignals shuts the app down cleanly on SIGINT and, on POSIX
// systems, SIGTERM.
func TrapSignals() {
	trapSignalsCrossPlatform()
	trapSignalsPosix()
}

func trapSignalsCrossPlatform() {
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)

		for i := 0; true; i++ {
			<-sig

			if i > 0 {
				catalog.Log.Warn("SIGINT: force quit")
				os.Exit(2) //nolint:mnd
			}

			catalog.Log.Warn("SIGINT: shutting down")
			go shutdown(1)
		}
	}()
}

func shutdown(exitCode int) {
	if !shuttingDown.CompareAndSwap(false, true) {
		return
	}

	appMu.Lock()
	if app != nil {
		app.cancel()
	}
	appMu.Unlock()

	_ = catalog.Log.Sync()

	os.Exit(exitCode)
}

var shuttingDown atomic.Bool
