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
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"
)

type server struct {
	app *App

	log *zap.Logger

	ln         net.Listener // plaintext, no authentication (loopback-only by default)
	httpServer *http.Server

	// enforce CORS and prevent DNS rebinding for the unauthenticated listener
	allowedOrigins []*url.URL

	mux *http.ServeMux
}

func (s server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rec := caddyhttp.NewResponseRecorder(w, nil, nil)

	w.Header().Set("Server", serverName)

	defer func() {
		logFn := s.log.Info
		if rec.Status() >= lowestErrorStatus {
			logFn = s.log.Error
		}

		// the message varies per request so the sampler lets it through
		logFn(r.Method+" "+r.RequestURI,
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Int("status", rec.Status()),
			zap.Int("size", rec.Size()),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	s.mux.ServeHTTP(rec, r)
}

// fillAllowedOrigins computes the origins (and Host values) that
// may use the API: the configured ones plus the loopback names of
// the listener's port.
func (s *server) fillAllowedOrigins(configuredOrigins []string, listenAddr string) {
	listenHost, listenPort, err := net.SplitHostPort(listenAddr)
	if err != nil {
		listenHost = listenAddr // assume no port
	}

	uniqueOrigins := make(map[string]struct{})
	for _, o := range configuredOrigins {
		uniqueOrigins[o] = struct{}{}
	}
	uniqueOrigins[net.JoinHostPort("localhost", listenPort)] = struct{}{}
	uniqueOrigins[net.JoinHostPort("::1", listenPort)] = struct{}{}
	uniqueOrigins[net.JoinHostPort("127.0.0.1", listenPort)] = struct{}{}
	if listenHost != "" && !isLoopback(listenAddr) {
		uniqueOrigins[listenAddr] = struct{}{}
	}

	s.allowedOrigins = make([]*url.URL, 0, len(uniqueOrigins))
	for originStr := range uniqueOrigins {
		var origin *url.URL
		if strings.Contains(originStr, "://") {
			var err error
			origin, err = url.Parse(originStr)
			if err != nil {
				s.log.Warn("ignoring malformed origin", zap.String("origin", originStr), zap.Error(err))
				continue
			}
			stripToOrigin(origin)
		} else {
			origin = &url.URL{Host: originStr}
		}
		s.allowedOrigins = append(s.allowedOrigins, origin)
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr // assume no port
	}
	if host == "localhost" {
		return true
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.IsLoopback()
	}
	return false
}

// enforceHost returns a handler that wraps next such that
// it will only be called if the request's Host header matches
// a trustworthy/expected value. This helps to mitigate DNS
// rebinding attacks.
func (s server) enforceHost(next handler) handler {
	return handlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		allowed := slices.ContainsFunc(s.allowedOrigins, func(u *url.URL) bool {
			return r.Host == u.Host
		})
		if !allowed {
			return Error{
				Err:        fmt.Errorf("unrecognized Host header value '%s'", r.Host),
				HTTPStatus: http.StatusForbidden,
				Log:        "Host not allowed",
				Message:    "This endpoint can only be accessed via a trusted host.",
			}
		}
		return next.ServeHTTP(w, r)
	})
}

// enforceOriginAndMethod ensures that the Origin header matches the expected value(s),
// sets CORS headers, and also enforces the proper/expected method for the route.
// This prevents arbitrary sites from issuing requests to our listener.
func (s server) enforceOriginAndMethod(method string, next handler) handler {
	return handlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		origin := s.getOrigin(r)
		if origin != nil {
			if !s.originAllowed(origin) {
				return Error{
					Err:        fmt.Errorf("unrecognized origin '%s'", origin),
					HTTPStatus: http.StatusForbidden,
					Log:        "Origin not allowed",
					Message:    "You can only access this API from a recognized origin.",
				}
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "OPTIONS, "+method)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Origin", origin.String())
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			return nil
		}
		// HEAD is allowed wherever GET is
		if r.Method != method && (method != http.MethodGet || r.Method != http.MethodHead) {
			w.Header().Set("Allow", "OPTIONS, "+method)
			return Error{
				Err:        fmt.Errorf("method '%s' not allowed", r.Method),
				HTTPStatus: http.StatusMethodNotAllowed,
			}
		}
		return next.ServeHTTP(w, r)
	})
}

// getOrigin returns the origin of the request from the Origin
// header, or the Referer header if the browser sent no Origin
// (Firefox in HTTPS-Only mode omits it).
func (s server) getOrigin(r *http.Request) *url.URL {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}
	if origin == "" {
		return nil
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return nil
	}
	stripToOrigin(originURL)
	return originURL
}

func (s server) originAllowed(origin *url.URL) bool {
	for _, allowedOrigin := range s.allowedOrigins {
		if allowedOrigin.Scheme != "" && origin.Scheme != allowedOrigin.Scheme {
			continue
		}
		if origin.Host == allowedOrigin.Host {
			return true
		}
	}
	return false
}

func stripToOrigin(u *url.URL) {
	u.Path = ""
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = ""
}

const serverName = "Reefmap"
