/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package main is the entry point for the EdgeKV agent daemon.

EdgeKV Agent Architecture Overview:
====================================

The agent wires every spec component together into one running process:

  1. Vault Layer (internal/vault):
     - RootVault: the single process-wide root key (C1)
     - keymgr.Manager: per-store secret derivation/rotation (C2)

  2. Storage Layer (internal/metastore, internal/filestore):
     - WALStore: meta store backing keys, StoreMeta, pairing, and change log
     - FileStore: the concrete model.Backend every open store's rows live in

  3. Registry Layer (internal/registry, internal/recovery, internal/deathwatch,
     internal/accounts):
     - Registry: C4, the single point of store lifecycle control
     - recovery.Coordinator: C5, re-derives a store from backup on CryptError
     - deathwatch.Registry: C9, closes stores when a caller process dies
     - accounts.Listener: C10, reacts to OS account add/remove/switch

  4. Sync Layer (internal/transport, internal/syncqueue, internal/changelog,
     internal/syncengine):
     - Transport: mDNS peer discovery and frame delivery
     - Queue: C7, bounded in-flight sync operation tracking
     - changelog.Manager: C6, the shadow log / mirror table machinery
     - Engine: C8, binds the three into remoteDataChanged/ManualSync handling

  5. Observability (internal/metrics, internal/health):
     - Prometheus metrics endpoint and liveness/readiness HTTP endpoints

Startup Flow:
=============

  1. Parse command-line flags for configuration
  2. Load or generate the root key, open the meta store
  3. Construct the registry and its collaborators
  4. Start the transport (unless discovery is disabled) and sync engine
  5. Start the metrics/health HTTP servers
  6. Block until SIGINT/SIGTERM, then shut everything down in reverse order

Command-Line Flags:
====================

  -data-root   : Directory for all store/meta/vault data (default: /var/lib/edgekv
                 for root, otherwise $XDG_DATA_HOME/edgekv or ~/.local/share/edgekv)
  -data-port   : TCP port the sync transport listens on (0 = any free port)
  -nickname    : This device's advertised nickname (default: hostname)
  -metrics-addr: Address the Prometheus metrics server binds (default: :9090)
  -health-addr : Address the health check server binds (default: :9091)
  -log-level   : Log level: debug, info, warn, error (default: info)
  -log-json    : Enable JSON log output
  -config      : Path to a configuration file
*/
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"edgekv/internal/accounts"
	"edgekv/internal/banner"
	"edgekv/internal/changelog"
	"edgekv/internal/collab"
	"edgekv/internal/config"
	"edgekv/internal/deathwatch"
	"edgekv/internal/filestore"
	"edgekv/internal/health"
	"edgekv/internal/keymgr"
	"edgekv/internal/logging"
	"edgekv/internal/metastore"
	"edgekv/internal/metrics"
	"edgekv/internal/model"
	"edgekv/internal/recovery"
	"edgekv/internal/registry"
	"edgekv/internal/syncengine"
	"edgekv/internal/syncqueue"
	"edgekv/internal/transport"
	"edgekv/internal/vault"
)

func printUsage() {
	fmt.Println()
	fmt.Printf("%sEdgeKV Agent v%s%s - distributed key-value sync daemon\n", banner.AnsiBold, banner.Version, banner.AnsiReset)
	fmt.Println()
	fmt.Println(banner.AnsiBold + "USAGE:" + banner.AnsiReset)
	fmt.Println("  edgekv-agentd [options]")
	fmt.Println()
	fmt.Println(banner.AnsiBold + "OPTIONS:" + banner.AnsiReset)
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println(banner.AnsiBold + "ENVIRONMENT VARIABLES:" + banner.AnsiReset)
	fmt.Println("  " + config.EnvDataRoot)
	fmt.Println("  " + config.EnvQueuedSyncLimit)
	fmt.Println("  " + config.EnvManualSyncEnabled)
	fmt.Println("  " + config.EnvDiscoveryEnabled)
	fmt.Println("  " + config.EnvLogLevel)
	fmt.Println("  " + config.EnvLogJSON)
	fmt.Println()
}

func main() {
	cfgMgr := config.Global()
	if err := cfgMgr.Load(); err != nil {
		if config.FindConfigFile() != "" {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	cfg := cfgMgr.Get()

	dataRoot := flag.String("data-root", cfg.DataRoot, "Directory for all store/meta/vault data")
	dataPort := flag.Int("data-port", 0, "TCP port the sync transport listens on (0 = any free port)")
	nickname := flag.String("nickname", defaultNickname(), "This device's advertised nickname")
	metricsAddr := flag.String("metrics-addr", ":9090", "Address the Prometheus metrics server binds")
	healthAddr := flag.String("health-addr", ":9091", "Address the health check server binds")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", cfg.LogJSON, "Enable JSON log output")
	configFile := flag.String("config", "", "Path to a configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show this help message")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgekv-agentd version %s\n", banner.Version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *configFile != "" {
		if err := cfgMgr.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
		cfgMgr.LoadFromEnv()
		cfg = cfgMgr.Get()
	}

	banner.Print()

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-root":
			cfg.DataRoot = *dataRoot
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-json":
			cfg.LogJSON = *logJSON
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	cfgMgr.Set(cfg)

	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)
	log := logging.NewLogger("main")

	if cfg.ConfigFile != "" {
		log.Info("configuration loaded", "file", cfg.ConfigFile)
	}

	banner.PrintAgentWithConfig(cfg)

	if err := os.MkdirAll(cfg.DataRoot, 0700); err != nil {
		log.Error("failed to create data root", "error", err, "data_root", cfg.DataRoot)
		os.Exit(1)
	}

	deviceID, err := loadOrCreateDeviceID(cfg.DataRoot)
	if err != nil {
		log.Error("failed to establish device identity", "error", err)
		os.Exit(1)
	}
	log.Info("device identity established", "nickname", *nickname)

	// Meta store backs the vault's root-key alias, keymgr's wrapped
	// secret copies, registry StoreMeta records, and the change log.
	metaLog := logging.NewLogger("metastore")
	meta, err := metastore.Open(filepath.Join(cfg.DataRoot, "meta.log"), metaLog)
	if err != nil {
		log.Error("failed to open meta store", "error", err)
		os.Exit(1)
	}
	defer meta.Close()

	rootVault := vault.New(meta, logging.NewLogger("vault"))
	loaded, err := rootVault.Load()
	if err != nil {
		log.Error("failed to load root key", "error", err)
		os.Exit(1)
	}
	if !loaded {
		if cfg.RootKeyPassphrase != "" {
			seeded, err := vault.Seed(nil, cfg.RootKeyPassphrase, nil)
			if err != nil {
				log.Error("failed to derive root key from passphrase", "error", err)
				os.Exit(1)
			}
			if err := meta.Put("edgekv.root.v1", seeded); err != nil {
				log.Error("failed to persist seeded root key", "error", err)
				os.Exit(1)
			}
			if _, err := rootVault.Load(); err != nil {
				log.Error("failed to load seeded root key", "error", err)
				os.Exit(1)
			}
			log.Info("root key seeded from configured passphrase")
		} else {
			log.Info("root key absent, starting lazy generator",
				"max_attempts", cfg.RootKeyGenAttempts)
			genCtx, cancelGen := context.WithCancel(context.Background())
			defer cancelGen()
			rootVault.StartGenerator(genCtx)
		}
	}

	keys := keymgr.New(rootVault, meta, logging.NewLogger("keymgr"))
	backend := filestore.New(cfg.DataRoot, logging.NewLogger("filestore"))
	backups := filestore.NewDirBackupSource(cfg.DataRoot)
	recoverer := recovery.New(backups, logging.NewLogger("recovery"))

	// Standalone mode: no permission/account service is wired in this
	// deployment, so every caller's OS uid is trusted as its own account
	// and bundle name (spec.md section 6's Checker/AccountProvider
	// collaborators are out of scope per spec.md section 1; collab's
	// Fake* types are test-only, so the agent gets its own minimal
	// stand-ins instead of reusing them in production).
	checker := &localChecker{}
	acctProvider := newLocalAccountProvider()

	reg := registry.New(checker, acctProvider, keys, meta, backend, recoverer, backups, deviceID, logging.NewLogger("registry"))

	deathReg := deathwatch.New(acctProvider, reg, logging.NewLogger("deathwatch"))
	_ = deathReg // exposed for future IPC wiring; no remote-object death source in standalone mode

	removeDataDir := func(userID model.UserID, level model.SecurityLevel) error {
		return os.RemoveAll(filepath.Join(cfg.DataRoot, level.String(), string(userID)))
	}
	acctListener := accounts.New(acctProvider, reg, meta, nil, removeDataDir, logging.NewLogger("accounts"))
	acctListener.Start()
	defer acctListener.Stop()

	// One changelog.Manager/Engine pair serves every store this agent
	// holds open, backed by the shared meta store rather than a
	// per-store handle; the daemon does not yet expose per-store sync
	// topology, so every table name passed through the engine is scoped
	// by its own (table, hashKey) keys within the one shadow log.
	cl := changelog.New(meta, logging.NewLogger("changelog"))
	queue := syncqueue.New(cfg.QueuedSyncLimit, logging.NewLogger("syncqueue"))
	defer queue.Close()

	var tp transport.Transport
	var mdnsTransport *transport.MDNSTransport
	if cfg.DiscoveryEnabled {
		mdnsTransport = transport.NewMDNSTransport(deviceID, *nickname, *dataPort, logging.NewLogger("transport"))
		if err := mdnsTransport.Start(); err != nil {
			log.Error("failed to start mDNS transport", "error", err)
			os.Exit(1)
		}
		tp = mdnsTransport
		log.Info("mDNS transport started", "nickname", *nickname)
	} else {
		tp = transport.NewFakeTransport(deviceID)
		log.Info("discovery disabled, running with an isolated transport")
	}

	engine := syncengine.New(tp, cl, backend, queue, nil, logging.NewLogger("syncengine"))
	if err := engine.Initialize("edgekv-agentd", "edgekv"); err != nil {
		log.Error("failed to initialize sync engine", "error", err)
		os.Exit(1)
	}
	engine.SetSyncRetry(true)
	defer engine.Close()

	healthChecker := health.NewChecker(banner.Version)
	healthChecker.RegisterCheck("metastore", health.StorageCheck(func() error {
		_, err := meta.Scan("")
		return err
	}))
	healthChecker.RegisterCheck("vault", health.VaultCheck(func() error {
		if !rootVault.Ready() {
			return fmt.Errorf("root key not yet available")
		}
		return nil
	}))
	healthChecker.RegisterCheck("transport", health.TransportCheck(func() (bool, string) {
		if !cfg.DiscoveryEnabled {
			return true, "discovery disabled"
		}
		return true, fmt.Sprintf("%d peers visible", len(tp.Devices()))
	}))

	metricsSrv := metrics.NewServer(true, *metricsAddr)
	if err := metricsSrv.Start(); err != nil {
		log.Error("failed to start metrics server", "error", err)
		os.Exit(1)
	}
	defer metricsSrv.Stop()

	healthSrv := health.NewServer(true, *healthAddr, healthChecker)
	if err := healthSrv.Start(); err != nil {
		log.Error("failed to start health server", "error", err)
		os.Exit(1)
	}
	defer healthSrv.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println()
	fmt.Println(banner.AnsiGreen + banner.AnsiBold + "EdgeKV agent is ready" + banner.AnsiReset)
	fmt.Printf("  Data root:    %s\n", cfg.DataRoot)
	fmt.Printf("  Metrics:      http://localhost%s/metrics\n", *metricsAddr)
	fmt.Printf("  Health:       http://localhost%s/health\n", *healthAddr)
	fmt.Printf("  Discovery:    %v\n", cfg.DiscoveryEnabled)
	fmt.Println()
	fmt.Println(banner.AnsiDim + "Press Ctrl+C to stop the agent" + banner.AnsiReset)
	fmt.Println()

	log.Info("edgekv agent started",
		"version", banner.Version,
		"data_root", cfg.DataRoot,
		"discovery", cfg.DiscoveryEnabled,
	)

	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())
	fmt.Println()
	fmt.Println(banner.AnsiYellow + "Shutting down EdgeKV agent..." + banner.AnsiReset)

	if mdnsTransport != nil {
		if err := mdnsTransport.Close(); err != nil {
			log.Error("error closing transport", "error", err)
		}
	}
	fmt.Println(banner.AnsiGreen + "EdgeKV agent stopped gracefully" + banner.AnsiReset)
}

// loadOrCreateDeviceID resolves this agent's stable 32-byte device
// identity, generating and persisting one on first run. There is no
// hardware identifier available out of the box (spec.md section 1 puts
// real device provisioning out of scope), so a random id rooted at the
// data directory stands in, the same way the teacher's server role
// treats a freshly initialized data directory as first-time setup.
func loadOrCreateDeviceID(dataRoot string) ([32]byte, error) {
	var id [32]byte
	path := filepath.Join(dataRoot, "device.id")
	raw, err := os.ReadFile(path)
	if err == nil && len(raw) == 32 {
		copy(id[:], raw)
		return id, nil
	}
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, err
	}
	if err := os.WriteFile(path, id[:], 0600); err != nil {
		return id, err
	}
	return id, nil
}

func defaultNickname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "edgekv-device"
	}
	return host
}

// localChecker is the standalone-mode collab.Checker: every bundle name
// is its own true appId and every caller is valid.
type localChecker struct{}

func (c *localChecker) TrueAppID(callerUID int, bundleName string) string { return bundleName }
func (c *localChecker) IsValid(bundleName string, uid int) bool          { return true }

// localAccountProvider is the standalone-mode collab.AccountProvider: the
// local OS user is the only account, and there is no OS account-change
// source to subscribe to, so Subscribe's handler is registered but never
// fires.
type localAccountProvider struct {
	userID model.UserID
}

func newLocalAccountProvider() *localAccountProvider {
	return &localAccountProvider{userID: model.UserID(fmt.Sprintf("uid-%d", os.Getuid()))}
}

func (a *localAccountProvider) DeviceAccountIDByUID(uid int) (model.UserID, error) {
	return a.userID, nil
}

func (a *localAccountProvider) CurrentAccountID(bundleName string) (model.UserID, error) {
	return a.userID, nil
}

func (a *localAccountProvider) Subscribe(handler func(collab.AccountEvent)) (unsubscribe func()) {
	return func() {}
}
