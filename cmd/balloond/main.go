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

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"sigs.k8s.io/yaml"

	"github.com/containers/balloond/pkg/instrumentation"
	logger "github.com/containers/balloond/pkg/log"
	"github.com/containers/balloond/pkg/memd"
	"github.com/containers/balloond/pkg/memd/config"
	"github.com/containers/balloond/pkg/pidfile"
	"github.com/containers/balloond/pkg/utils"
	"github.com/containers/balloond/pkg/version"
	"github.com/containers/balloond/pkg/xs"
)

var log = logger.Default()

func main() {
	configFile := flag.String("config", "", "Configuration file to read.")
	pidFile := flag.String("pid-file", pidfile.GetPath(), "PID file to write daemon PID to.")
	printConfig := flag.Bool("print-config", false, "Print effective configuration and exit.")
	flag.Parse()

	cfg, err := config.Read(*configFile)
	if err != nil {
		log.Fatal("failed to read configuration: %v", err)
	}

	if *printConfig {
		dump, _ := yaml.Marshal(cfg)
		os.Stdout.Write(dump)
		os.Exit(0)
	}

	logger.SetupDebugToggleSignal(syscall.SIGUSR1)
	log.Info("balloond (version %s, build %s) starting...", version.Version, version.Build)

	if err := instrumentation.Start(&cfg.Instrumentation); err != nil {
		log.Fatal("failed to set up instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	socket := cfg.XenstoreSocket
	if socket == "" {
		socket = xs.DefaultSocketPath
	}
	if ok, err := utils.IsListeningSocket(socket); err != nil {
		log.Warn("failed to probe xenstored socket %q: %v", socket, err)
	} else if !ok {
		log.Warn("xenstored not listening on %q, domain operations will fail until it is up", socket)
	}

	m, err := memd.NewMemoryDaemon(cfg)
	if err != nil {
		log.Fatal("failed to create memory daemon instance: %v", err)
	}

	if err := m.Start(); err != nil {
		log.Fatal("failed to start memory daemon: %v", err)
	}

	pidfile.SetPath(*pidFile)
	if err := pidfile.Remove(); err != nil {
		log.Fatal("failed to remove stale/old PID file: %v", err)
	}
	if err := pidfile.Write(); err != nil {
		log.Fatal("failed to write PID file: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info("received signal %v, shutting down...", sig)

	m.Stop()
	logger.Flush()
}
