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

// Package rmapp is the application around the catalog: the HTTP
// server and its API, the command line mapping onto that API,
// configuration, and signal handling.
package rmapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/reefmap/reefmap/catalog"
	"go.uber.org/zap"
)

type App struct {
	ctx    context.Context
	cancel context.CancelFunc // shuts down the app

	cfg *Config
	log *zap.Logger

	commands map[string]Endpoint

	server server

	catalogMu sync.Mutex
	catalog   *catalog.Catalog
}

func New(ctx context.Context, cfg *Config) (*App, error) {
	cfg.fillDefaults()

	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(ctx)

	newApp := &App{
		ctx: ctx,
		cfg: cfg,
		log: catalog.Log,
	}
	newApp.server = server{
		app: newApp,
		log: newApp.log.Named("http"),
	}
	newApp.cancel = func() {
		cancel()

		// let in-flight requests finish within a timeout; the
		// app context is already canceled, so use a fresh one
		if newApp.server.httpServer != nil {
			const shutdownTimeout = 10 * time.Second
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			_ = newApp.server.httpServer.Shutdown(shutdownCtx)
		}

		newApp.catalogMu.Lock()
		if newApp.catalog != nil {
			if err := newApp.catalog.Close(); err != nil {
				newApp.log.Error("closing catalog", zap.Error(err))
			}
			newApp.catalog = nil
		}
		newApp.catalogMu.Unlock()
	}
	newApp.registerCommands()

	appMu.Lock()
	app = newApp
	appMu.Unlock()

	return newApp, nil
}

// Close shuts down the server, if running, and closes the catalog.
func (a *App) Close() { a.cancel() }

// openCatalog returns the catalog, opening it on first use.
func (a *App) openCatalog() (*catalog.Catalog, error) {
	a.catalogMu.Lock()
	defer a.catalogMu.Unlock()
	if a.catalog != nil {
		return a.catalog, nil
	}
	cat, err := a.cfg.openCatalog(a.ctx)
	if err != nil {
		return nil, Error{
			Err:        err,
			HTTPStatus: http.StatusServiceUnavailable,
			Log:        "opening catalog",
			Message:    "The image catalog could not be opened.",
			Recommendations: []string{
				"Check that the image folder and database in the config exist and are accessible.",
			},
		}
	}
	a.catalog = cat
	return cat, nil
}

func (a *App) RunCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command specified")
	}

	commandName := args[0]

	endpoint, ok := a.commands[commandName]
	if !ok {
		return fmt.Errorf("unrecognized command: %s", commandName)
	}

	endpointURL := "http://" + a.cfg.listenAddr() + apiBasePath + commandName
	contentType := string(endpoint.GetContentType())

	var body io.Reader
	switch endpoint.GetContentType() {
	case Form:
		form := makeForm(args[1:])
		if endpoint.Method == http.MethodGet {
			endpointURL += "?" + form
			contentType = ""
		} else {
			body = strings.NewReader(form)
		}
	case Multipart:
		buf, multipartType, err := makeMultipart(args[1:], "file")
		if err != nil {
			return err
		}
		body, contentType = buf, multipartType
	case JSON:
		bodyBytes, err := makeJSON(args[1:])
		if err != nil {
			return err
		}
		if len(bodyBytes) > 0 {
			body = bytes.NewReader(bodyBytes)
		}
	case None:
	}

	req, err := http.NewRequestWithContext(ctx, endpoint.Method, endpointURL, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Origin", req.URL.Scheme+"://"+req.URL.Host)

	// if a server is running, possibly in another process, send the
	// request to it; otherwise call the endpoint handler directly
	var resp *http.Response
	if a.serverRunning() {
		httpClient := &http.Client{Timeout: 1 * time.Minute}
		resp, err = httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("running command on server: %w", err)
		}
	} else {
		vrw := &virtualResponseWriter{status: http.StatusOK, body: new(bytes.Buffer), header: make(http.Header)}
		wrapErrorHandler(endpoint).ServeHTTP(vrw, req)
		resp = &http.Response{
			StatusCode:    vrw.status,
			Header:        vrw.header,
			Body:          io.NopCloser(vrw.body),
			ContentLength: int64(vrw.body.Len()),
		}
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		// decode and re-encode to pretty-print
		var js any
		err := json.NewDecoder(resp.Body).Decode(&js)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if js != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "\t")
			if err := enc.Encode(js); err != nil {
				return err
			}
		}
	} else {
		_, _ = io.Copy(os.Stdout, resp.Body)
	}

	if resp.StatusCode >= lowestErrorStatus {
		return fmt.Errorf("server returned error: HTTP %d %s",
			resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return nil
}

// Serve serves the application server only if it is not already running
// (possibly in another process). It returns true if it started the
// application server, or false if it was already running.
func (a *App) Serve() (bool, error) {
	if a.serverRunning() {
		return false, nil
	}
	return true, a.serve()
}

func (a *App) MustServe() error {
	return a.serve()
}

func (a *App) serve() error {
	if a.server.ln != nil {
		return fmt.Errorf("server already running on %s", a.server.ln.Addr())
	}

	if _, err := a.openCatalog(); err != nil {
		return err
	}

	// persist config so the same folders are used next time
	if err := a.cfg.autosave(); err != nil {
		return fmt.Errorf("persisting config file: %w", err)
	}

	listenAddr := a.cfg.listenAddr()
	a.server.fillAllowedOrigins(a.cfg.allowedOrigins(), listenAddr)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("opening listener: %w", err)
	}
	a.server.ln = ln

	a.server.mux = a.server.routes(a.commands)

	a.log.Info("started server", zap.String("listener", ln.Addr().String()))
	a.server.httpServer = &http.Server{
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1024 * 512,
	}

	go func() {
		err := a.server.httpServer.Serve(ln)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			a.log.Info("stopped server", zap.String("listener", ln.Addr().String()))
		} else if err != nil {
			a.log.Error("server failed", zap.String("listener", ln.Addr().String()), zap.Error(err))
		}
	}()

	// don't return until the server is actually serving
	const maxWait = 30 * time.Second
	ctx, cancel := context.WithTimeout(a.ctx, maxWait)
	defer cancel()
	for !a.pingServer(ctx) {
		const interval = 500 * time.Millisecond
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return nil
}

// routes builds the mux: every command under the API base path,
// plus debug endpoints.
func (s *server) routes(commands map[string]Endpoint) *http.ServeMux {
	mux := http.NewServeMux()

	addRoute := func(uriPath string, endpoint Endpoint) {
		handler := s.enforceHost(endpoint)                           // simple DNS rebinding mitigation
		handler = s.enforceOriginAndMethod(endpoint.Method, handler) // simple cross-origin mitigation
		mux.Handle(uriPath, wrapErrorHandler(handler))
	}

	for command, endpoint := range commands {
		addRoute(apiBasePath+command, endpoint)
	}

	addRoute("/debug/pprof/", Endpoint{
		Method:  http.MethodGet,
		Handler: httpWrap(http.HandlerFunc(pprof.Index)),
	})
	addRoute("/debug/pprof/profile", Endpoint{
		Method:  http.MethodGet,
		Handler: httpWrap(http.HandlerFunc(pprof.Profile)),
	})
	addRoute("/debug/vars", Endpoint{
		Method:  http.MethodGet,
		Handler: httpWrap(expvar.Handler()),
	})

	return mux
}

func (a *App) serverRunning() bool {
	return a.pingServer(a.ctx)
}

// pingServer reports whether our server answers at the listen address.
func (a *App) pingServer(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+a.cfg.listenAddr(), nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.Header.Get("Server") == serverName
}

// virtualResponseWriter is used in virtualized HTTP requests
// where the handler is called directly rather than using a
// network.
type virtualResponseWriter struct {
	status int
	header http.Header
	body   *bytes.Buffer
}

func (vrw *virtualResponseWriter) Header() http.Header {
	return vrw.header
}

func (vrw *virtualResponseWriter) WriteHeader(statusCode int) {
	vrw.status = statusCode
}

func (vrw *virtualResponseWriter) Write(data []byte) (int, error) {
	return vrw.body.Write(data)
}

// The app global instance is used mainly for properly
// shutting down after a signal is received.
var (
	app   *App
	appMu sync.Mutex
)

const lowestErrorStatus = 400
