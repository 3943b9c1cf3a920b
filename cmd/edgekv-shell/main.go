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
Package main is the entry point for edgekv-shell, an interactive
administration console for an EdgeKV data root.

Unlike flydb's fsql, which is a thin TCP client talking to an always-on
server, EdgeKV's transport layer (internal/transport) only carries
peer-to-peer sync traffic (spec.md section 1 leaves any admin RPC
surface out of scope). edgekv-shell instead opens the on-disk data root
directly, the same way cmd/edgekv-agentd does, and talks to the
registry/vault/sync stack in-process. It is meant to be run against a
data root while the agent daemon is NOT also running against it, the
same way an offline database console assumes exclusive access to the
files it opens.

Commands:
==========

	open <user> <app> <store> [ce|de] [-encrypt] [-autosync] [-backup]
	close <user> <app> <store>
	list
	rowcount <user> <app> <store>
	sync <user> <app> <store> <table>
	devices
	backup <user> <app> <store> [ce|de]
	pair set <user>
	pair verify <user>
	\q, \quit  Exit the shell
	\h, \help  Show help
*/
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"edgekv/internal/accounts"
	"edgekv/internal/banner"
	"edgekv/internal/changelog"
	"edgekv/internal/collab"
	"edgekv/internal/config"
	"edgekv/internal/deathwatch"
	"edgekv/internal/errors"
	"edgekv/internal/filestore"
	"edgekv/internal/keymgr"
	"edgekv/internal/logging"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
	"edgekv/internal/recovery"
	"edgekv/internal/registry"
	"edgekv/internal/syncengine"
	"edgekv/internal/syncqueue"
	"edgekv/internal/transport"
	"edgekv/internal/vault"
)

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func printUsage() {
	banner.Print()
	fmt.Println("    edgekv-shell [flags]")
	fmt.Println()
	fmt.Println("  Flags")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("  Commands")
	fmt.Println("    open <user> <app> <store> [ce|de] [-encrypt] [-autosync] [-backup]")
	fmt.Println("    close <user> <app> <store>")
	fmt.Println("    list")
	fmt.Println("    rowcount <user> <app> <store>")
	fmt.Println("    sync <user> <app> <store> <table>")
	fmt.Println("    devices")
	fmt.Println("    backup <user> <app> <store> [ce|de]")
	fmt.Println("    pair set <user>")
	fmt.Println("    pair verify <user>")
	fmt.Println("    \\q, \\quit   Exit the shell")
	fmt.Println("    \\h, \\help   Show this help")
	fmt.Println()
}

// shellAccountProvider is a single fixed local identity, mirroring
// cmd/edgekv-agentd's localAccountProvider: there is no OS account
// switching source to observe from an offline admin console.
type shellAccountProvider struct {
	userID model.UserID
}

func (p *shellAccountProvider) DeviceAccountIDByUID(uid int) (model.UserID, error) {
	return p.userID, nil
}

func (p *shellAccountProvider) CurrentAccountID(bundleName string) (model.UserID, error) {
	return p.userID, nil
}

func (p *shellAccountProvider) Subscribe(handler func(collab.AccountEvent)) (unsubscribe func()) {
	return func() {}
}

type shellChecker struct{}

func (shellChecker) TrueAppID(callerUID int, bundleName string) string { return bundleName }
func (shellChecker) IsValid(bundleName string, uid int) bool           { return true }

// shell bundles every collaborator edgekv-shell needs to drive the
// registry and sync engine against one data root, the same wiring
// cmd/edgekv-agentd performs for the live daemon.
type shell struct {
	dataRoot string
	log      *logging.Logger

	meta      metastore.Store
	vault     *vault.RootVault
	keys      *keymgr.Manager
	backend   *filestore.FileStore
	backups   *filestore.DirBackupSource
	reg       *registry.Registry
	acctList  *accounts.Listener
	cl        *changelog.Manager
	queue     *syncqueue.Queue
	transport transport.Transport
	engine    *syncengine.Engine

	open map[string]model.Descriptor
}

func openShell(cfg *config.Config, deviceID [32]byte, log *logging.Logger) (*shell, error) {
	meta, err := metastore.Open(filepath.Join(cfg.DataRoot, "meta.log"), log.WithLevel(logging.INFO))
	if err != nil {
		return nil, fmt.Errorf("opening metastore: %w", err)
	}

	rootVault := vault.New(meta, log)
	loaded, err := rootVault.Load()
	if err != nil {
		return nil, fmt.Errorf("loading vault: %w", err)
	}
	if !loaded {
		if cfg.RootKeyPassphrase == "" {
			return nil, fmt.Errorf("vault has no root key yet; start edgekv-agentd first, or provide -root-passphrase")
		}
		seeded, err := vault.Seed(nil, cfg.RootKeyPassphrase, nil)
		if err != nil {
			return nil, fmt.Errorf("deriving root key from passphrase: %w", err)
		}
		if err := meta.Put("edgekv.root.v1", seeded); err != nil {
			return nil, fmt.Errorf("persisting seeded root key: %w", err)
		}
		if _, err := rootVault.Load(); err != nil {
			return nil, fmt.Errorf("loading seeded root key: %w", err)
		}
	}

	keys := keymgr.New(rootVault, meta, log)
	backend := filestore.New(cfg.DataRoot, log)
	backups := filestore.NewDirBackupSource(cfg.DataRoot)
	recoverer := recovery.New(backups, log)

	checker := shellChecker{}
	acctProvider := &shellAccountProvider{userID: model.UserID(fmt.Sprintf("uid-%d", os.Getuid()))}

	reg := registry.New(checker, acctProvider, keys, meta, backend, recoverer, backups, deviceID, log)
	deathwatch.New(acctProvider, reg, log)

	removeDataDir := func(userID model.UserID, level model.SecurityLevel) error {
		return os.RemoveAll(filepath.Join(cfg.DataRoot, level.String(), string(userID)))
	}
	acctList := accounts.New(acctProvider, reg, meta, nil, removeDataDir, log)
	acctList.Start()

	cl := changelog.New(meta, log)
	queue := syncqueue.New(cfg.QueuedSyncLimit, log)
	tp := transport.NewFakeTransport(deviceID)
	engine := syncengine.New(tp, cl, backend, queue, nil, log)
	if err := engine.Initialize("edgekv-shell", "edgekv"); err != nil {
		return nil, fmt.Errorf("initializing sync engine: %w", err)
	}

	return &shell{
		dataRoot:  cfg.DataRoot,
		log:       log,
		meta:      meta,
		vault:     rootVault,
		keys:      keys,
		backend:   backend,
		backups:   backups,
		reg:       reg,
		acctList:  acctList,
		cl:        cl,
		queue:     queue,
		transport: tp,
		engine:    engine,
		open:      make(map[string]model.Descriptor),
	}, nil
}

func (s *shell) close() {
	s.engine.Close()
	s.queue.Close()
	s.acctList.Stop()
	for _, d := range s.open {
		s.reg.CloseStore(d)
	}
	s.meta.Close()
}

func parseSecurityLevel(tok string) model.SecurityLevel {
	if strings.EqualFold(tok, "ce") {
		return model.SecurityLevelCE
	}
	return model.SecurityLevelDE
}

func (s *shell) key(userID, appID, storeID string) string {
	return userID + "\x1f" + appID + "\x1f" + storeID
}

func (s *shell) cmdOpen(args []string) (string, error) {
	if len(args) < 3 {
		return "", errors.InvalidArgument("usage: open <user> <app> <store> [ce|de] [-encrypt] [-autosync] [-backup]")
	}
	userID, appID, storeID := args[0], args[1], args[2]
	opts := registry.Options{CreateIfMissing: true, SecurityLevel: model.SecurityLevelDE}
	for _, a := range args[3:] {
		switch strings.ToLower(a) {
		case "ce":
			opts.SecurityLevel = model.SecurityLevelCE
		case "de":
			opts.SecurityLevel = model.SecurityLevelDE
		case "-encrypt":
			opts.Encrypt = true
		case "-autosync":
			opts.AutoSync = true
		case "-backup":
			opts.Backup = true
		default:
			return "", errors.InvalidArgument("unrecognized open option: " + a)
		}
	}

	d := model.Descriptor{
		UserID:        model.UserID(userID),
		AppID:         model.AppID(appID),
		StoreID:       storeID,
		Encrypted:     opts.Encrypt,
		AutoSync:      opts.AutoSync,
		BackupEnabled: opts.Backup,
		SecurityLevel: opts.SecurityLevel,
	}

	handle, err := s.reg.OpenStore(os.Getuid(), d, opts)
	if err != nil {
		return "", err
	}
	s.open[s.key(userID, appID, storeID)] = handle.Descriptor
	return fmt.Sprintf("opened %s/%s/%s (security=%s, refcount=%d)", userID, appID, storeID, opts.SecurityLevel, handle.RefCount()), nil
}

func (s *shell) cmdClose(args []string) (string, error) {
	if len(args) < 3 {
		return "", errors.InvalidArgument("usage: close <user> <app> <store>")
	}
	key := s.key(args[0], args[1], args[2])
	d, ok := s.open[key]
	if !ok {
		return "", errors.InvalidArgument("store is not open in this session")
	}
	if err := s.reg.CloseStore(d); err != nil {
		return "", err
	}
	delete(s.open, key)
	return "closed " + key, nil
}

func (s *shell) cmdList() string {
	if len(s.open) == 0 {
		return "(no stores open in this session)"
	}
	var b strings.Builder
	for key, d := range s.open {
		fmt.Fprintf(&b, "%s  security=%s encrypted=%v autosync=%v backup=%v\n",
			key, d.SecurityLevel, d.Encrypted, d.AutoSync, d.BackupEnabled)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *shell) cmdRowCount(args []string) (string, error) {
	if len(args) < 3 {
		return "", errors.InvalidArgument("usage: rowcount <user> <app> <store>")
	}
	d, ok := s.open[s.key(args[0], args[1], args[2])]
	if !ok {
		return "", errors.InvalidArgument("store is not open in this session")
	}
	n, err := s.backend.RowCount(d)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

func (s *shell) cmdSync(args []string) (string, error) {
	if len(args) < 4 {
		return "", errors.InvalidArgument("usage: sync <user> <app> <store> <table>")
	}
	d, ok := s.open[s.key(args[0], args[1], args[2])]
	if !ok {
		return "", errors.InvalidArgument("store is not open in this session")
	}
	n, err := s.engine.ManualSync(args[0], d, args[3], s.transport.Devices(), true)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sync dispatched, opID=%d, peers=%d", n, len(s.transport.Devices())), nil
}

func (s *shell) cmdDevices() string {
	devices := s.transport.Devices()
	if len(devices) == 0 {
		return "(no peers discovered)"
	}
	var b strings.Builder
	for _, dev := range devices {
		fmt.Fprintf(&b, "%x  %s  online=%v\n", dev.DeviceID, dev.Nickname, dev.Online)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *shell) cmdBackup(args []string) (string, error) {
	if len(args) < 3 {
		return "", errors.InvalidArgument("usage: backup <user> <app> <store> [ce|de]")
	}
	level := model.SecurityLevelDE
	if len(args) > 3 {
		level = parseSecurityLevel(args[3])
	}
	d, ok := s.open[s.key(args[0], args[1], args[2])]
	if !ok {
		d = model.Descriptor{UserID: model.UserID(args[0]), AppID: model.AppID(args[1]), StoreID: args[2], SecurityLevel: level}
	}
	rows, err := s.backend.AllRows(d)
	if err != nil {
		return "", err
	}
	if err := s.backups.Write(d, level, rows); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote backup for %s/%s/%s (%d rows, security=%s)", args[0], args[1], args[2], len(rows), level), nil
}

func (s *shell) cmdPairSet(rl *readline.Instance, args []string) (string, error) {
	if len(args) < 1 {
		return "", errors.InvalidArgument("usage: pair set <user>")
	}
	phrase, err := readPasswordMasked(rl, "Pairing passphrase: ")
	if err != nil {
		return "", fmt.Errorf("cancelled")
	}
	if err := s.acctList.SetPairingPassphrase(model.UserID(args[0]), phrase); err != nil {
		return "", err
	}
	return "pairing passphrase set for " + args[0], nil
}

func (s *shell) cmdPairVerify(rl *readline.Instance, args []string) (string, error) {
	if len(args) < 1 {
		return "", errors.InvalidArgument("usage: pair verify <user>")
	}
	phrase, err := readPasswordMasked(rl, "Pairing passphrase: ")
	if err != nil {
		return "", fmt.Errorf("cancelled")
	}
	if err := s.acctList.VerifyPairingPassphrase(model.UserID(args[0]), phrase); err != nil {
		return "", err
	}
	return "pairing passphrase verified for " + args[0], nil
}

func readPasswordMasked(rl *readline.Instance, prompt string) (string, error) {
	rl.SetMaskRune('*')
	password, err := rl.ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(password)), nil
}

func (s *shell) dispatch(rl *readline.Instance, input string) (string, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return "", nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "open":
		return s.cmdOpen(args)
	case "close":
		return s.cmdClose(args)
	case "list":
		return s.cmdList(), nil
	case "rowcount":
		return s.cmdRowCount(args)
	case "sync":
		return s.cmdSync(args)
	case "devices":
		return s.cmdDevices(), nil
	case "backup":
		return s.cmdBackup(args)
	case "pair":
		if len(args) >= 1 && args[0] == "set" {
			return s.cmdPairSet(rl, args[1:])
		}
		if len(args) >= 1 && args[0] == "verify" {
			return s.cmdPairVerify(rl, args[1:])
		}
		return "", errors.InvalidArgument("usage: pair set|verify <user>")
	default:
		return "", errors.InvalidArgument("unknown command: " + cmd)
	}
}

func loadDeviceID(dataRoot string) ([32]byte, error) {
	var id [32]byte
	raw, err := os.ReadFile(filepath.Join(dataRoot, "device.id"))
	if err != nil {
		return id, fmt.Errorf("no device.id found; start edgekv-agentd first to initialize %s: %w", dataRoot, err)
	}
	copy(id[:], raw)
	return id, nil
}

func main() {
	defaultCfg := config.DefaultConfig()

	dataRoot := flag.String("data-root", defaultCfg.DataRoot, "EdgeKV data root directory")
	rootPassphrase := flag.String("root-passphrase", "", "root key passphrase, if the vault has not been seeded yet")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	version := flag.Bool("version", false, "print version information and exit")
	help := flag.Bool("help", false, "show this help message")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Printf("edgekv-shell version %s\n", banner.Version)
		fmt.Printf("%s\n", banner.Copyright)
		os.Exit(0)
	}
	if *help {
		printUsage()
		os.Exit(0)
	}

	logging.SetGlobalLevel(logging.ParseLevel(*logLevel))
	log := logging.NewLogger("shell")

	cfg := defaultCfg
	cfg.DataRoot = *dataRoot
	cfg.RootKeyPassphrase = *rootPassphrase

	deviceID, err := loadDeviceID(cfg.DataRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sh, err := openShell(cfg, deviceID, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgekv-shell: %v\n", err)
		os.Exit(1)
	}
	defer sh.close()

	if !isTerminal() {
		runNonInteractive(sh)
		return
	}

	banner.Print()
	fmt.Printf("data root: %s\n", cfg.DataRoot)
	fmt.Println("Type \\h for help, \\q to quit.")
	fmt.Println()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "edgekv> ",
		HistoryFile: historyFilePath(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgekv-shell: readline unavailable: %v\n", err)
		runNonInteractive(sh)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println("bye")
				return
			}
			return
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		switch input {
		case "\\q", "\\quit":
			fmt.Println("bye")
			return
		case "\\h", "\\help":
			printUsage()
			continue
		}

		out, err := sh.dispatch(rl, input)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".edgekv_shell_history")
}

// runNonInteractive reads commands from stdin one per line, for use in
// scripts and tests where stdin is a pipe rather than a terminal.
func runNonInteractive(sh *shell) {
	rl, err := readline.NewEx(&readline.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgekv-shell: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		input := strings.TrimSpace(line)
		if input == "" || input == "\\q" || input == "\\quit" {
			return
		}
		out, err := sh.dispatch(rl, input)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}
}
