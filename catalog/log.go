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
	"errors"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. Components should derive
// named loggers from it rather than building their own.
var Log = newLogger()

// newLogger builds a logger that writes human-readable lines
// to stderr and JSON lines to any subscribed log streams.
func newLogger() *zap.Logger {
	streamOut := zapcore.Lock(zapcore.AddSync(logStreams))
	consoleOut := zapcore.Lock(os.Stderr)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format("2006/01/02 15:04:05.000"))
	}
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), consoleOut, zap.DebugLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), streamOut, zap.InfoLevel),
	)

	const firstNMsgs, everyNthMsg = 10, 100
	core = zapcore.NewSamplerWithOptions(core, time.Second, firstNMsgs, everyNthMsg)

	return zap.New(&unsampledSummaries{core})
}

// connPool fans writes out to a changing set of WebSocket
// connections. A failed write to one conn does not stop the
// others; conns that report a sent close frame are dropped.
type connPool struct {
	mu    sync.RWMutex
	conns []*websocket.Conn
}

func (p *connPool) Write(b []byte) (int, error) {
	var dead []*websocket.Conn
	var err error

	p.mu.RLock()
	for _, c := range p.conns {
		if werr := c.WriteMessage(websocket.TextMessage, b); werr != nil {
			err = werr
			if errors.Is(werr, websocket.ErrCloseSent) {
				dead = append(dead, c)
			}
		}
	}
	p.mu.RUnlock()

	for _, c := range dead {
		p.remove(c)
	}
	return len(b), err
}

func (p *connPool) add(c *websocket.Conn) {
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
}

func (p *connPool) remove(c *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.conns {
		if existing == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

var logStreams = new(connPool)

// AddLogConn subscribes conn to the JSON log stream. Callers
// must call RemoveLogConn when the connection closes.
func AddLogConn(conn *websocket.Conn) { logStreams.add(conn) }

// RemoveLogConn unsubscribes conn. It is idempotent.
func RemoveLogConn(conn *websocket.Conn) { logStreams.remove(conn) }

// unsampledSummaries exempts the reconcile summary logger from sampling.
type unsampledSummaries struct {
	zapcore.Core
}

func (c *unsampledSummaries) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.LoggerName == summaryLoggerName {
		return ce.AddCore(ent, c)
	}
	return c.Core.Check(ent, ce)
}

const summaryLoggerName = "reconcile.summary"
