// Copyright The Balloond Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"net"
	"net/http"
	"sync"
	"time"

	logger "github.com/containers/balloond/pkg/log"
)

// ServeMux is our HTTP request multiplexer.
type ServeMux = http.ServeMux

// Server is a shared HTTP server instance. Several components (health
// checking, metrics, the admin API) register their handlers on its mux.
type Server struct {
	sync.Mutex
	mux      *ServeMux
	ln       net.Listener
	srv      *http.Server
	endpoint string
}

var log = logger.Get("http")

// NewServer creates a new HTTP server instance.
func NewServer() *Server {
	return &Server{
		mux: http.NewServeMux(),
	}
}

// GetMux returns the multiplexer handlers should be registered on.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// Start starts the server listening on the given endpoint. An empty
// endpoint leaves the server disabled, which is not an error.
func (s *Server) Start(endpoint string) error {
	s.Lock()
	defer s.Unlock()

	if endpoint == "" {
		log.Info("no endpoint given, HTTP server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return serverError("failed to listen on %s: %v", endpoint, err)
	}

	s.ln = ln
	s.endpoint = endpoint
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server exited: %v", err)
		}
	}()

	log.Info("HTTP server listening on %s", endpoint)

	return nil
}

// Stop stops the server, if it is running.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.srv == nil {
		return
	}

	if err := s.srv.Close(); err != nil {
		log.Warn("failed to close HTTP server: %v", err)
	}
	s.srv, s.ln = nil, nil
}

// Reconfigure restarts the server on a new endpoint if it changed.
func (s *Server) Reconfigure(endpoint string) error {
	s.Lock()
	if endpoint == s.endpoint {
		s.Unlock()
		return nil
	}
	s.Unlock()

	s.Stop()
	return s.Start(endpoint)
}
