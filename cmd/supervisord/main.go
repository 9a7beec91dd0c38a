// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command supervisord is the daemon entrypoint: it owns the supervisor's
// event loop, the SIGCHLD-reaping goroutine, and the RPC surface over a
// Unix domain socket. Its flag handling follows the teacher's
// pkg/cmdline EnvKeys idiom, and os.Args[1] is checked against the
// hidden exec-helper subcommand before any cobra parsing, mirroring
// cmd/starter's split entrypoint in the teacher (one binary, two very
// different run modes depending on how it was re-exec'd).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/legatoproject/supervisor/internal/pkg/app"
	"github.com/legatoproject/supervisor/internal/pkg/kernelmodule"
	"github.com/legatoproject/supervisor/internal/pkg/policy"
	"github.com/legatoproject/supervisor/internal/pkg/proc"
	"github.com/legatoproject/supervisor/internal/pkg/reboot"
	"github.com/legatoproject/supervisor/internal/pkg/rpc"
	"github.com/legatoproject/supervisor/internal/pkg/sandbox"
	"github.com/legatoproject/supervisor/internal/pkg/store"
	"github.com/legatoproject/supervisor/internal/pkg/store/boltstore"
	"github.com/legatoproject/supervisor/internal/pkg/store/memstore"
	"github.com/legatoproject/supervisor/internal/pkg/supervisor"
	"github.com/legatoproject/supervisor/internal/pkg/sylog"
	"github.com/legatoproject/supervisor/pkg/appconf"
	"github.com/legatoproject/supervisor/pkg/cmdline"
)

// modulesKeyPrefix namespaces kernel-module config-store subtrees,
// paralleling the app subtree prefixes named in §6 (procs/<procName>,
// requires.*, bindings, bundles.*).
const modulesKeyPrefix = "modules/"

// moduleKoDir is where bundled .ko files live, one per module node.
const moduleKoDir = "/lib/modules/legato"

const envPrefix = "SUPERVISORD_"

var (
	socketPath  = "/run/supervisord.sock"
	storePath   = "/var/lib/supervisord/store.db"
	storeMemory = false
	sandboxBase = "/tmp/legato/sandboxes"
	rootFSSize  = 64 << 20 // bytes; kept as int so the flag manager's int case applies
	ruleDir        = "/etc/smack/accesses.d"
	lockPath       = "/run/supervisord.lock"
	helperAllowCfg = "/etc/supervisord/helper-allow.toml"
	verbose        = false
	debug          = false
)

func main() {
	// The exec helper is re-exec'd as argv[0] unchanged with one extra
	// argument; it must be dispatched before cobra ever looks at
	// os.Args, since it is not a user-facing subcommand and carries no
	// normal flags.
	if len(os.Args) > 1 && os.Args[1] == proc.ExecHelperArg {
		if err := proc.RunExecHelper(policy.NewSELinuxLabeler()); err != nil {
			sylog.Fatalf("exec helper failed: %v", err)
		}
		return
	}

	root := &cobra.Command{
		Use:   "supervisord",
		Short: "Embedded application supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	mgr := cmdline.NewManager()
	registerFlags(mgr, root)
	if err := mgr.UpdateCmdFlagFromEnv(root, envPrefix); err != nil {
		sylog.Fatalf("while applying environment overrides: %v", err)
	}

	if err := root.Execute(); err != nil {
		sylog.Fatalf("%v", err)
	}
}

func registerFlags(mgr *cmdline.Manager, cmd *cobra.Command) {
	flags := []*cmdline.Flag{
		{
			ID: "socket", Value: &socketPath, DefaultValue: socketPath,
			Name: "socket", Usage: "path to the RPC Unix domain socket",
			EnvKeys: []string{"SOCKET"},
		},
		{
			ID: "store", Value: &storePath, DefaultValue: storePath,
			Name: "store", Usage: "path to the bbolt configuration store file",
			EnvKeys: []string{"STORE"},
		},
		{
			ID: "store-memory", Value: &storeMemory, DefaultValue: storeMemory,
			Name: "store-memory", Usage: "use an in-memory store instead of bbolt (testing only)",
			EnvKeys: []string{"STORE_MEMORY"},
		},
		{
			ID: "sandbox-base", Value: &sandboxBase, DefaultValue: sandboxBase,
			Name: "sandbox-base", Usage: "directory under which per-app sandbox roots are mounted",
			EnvKeys: []string{"SANDBOX_BASE"},
		},
		{
			ID: "rootfs-size", Value: &rootFSSize, DefaultValue: rootFSSize,
			Name: "rootfs-size", Usage: "size in bytes of each app's sandbox tmpfs",
		},
		{
			ID: "rule-dir", Value: &ruleDir, DefaultValue: ruleDir,
			Name: "rule-dir", Usage: "directory where MAC allow-rule files are written",
			EnvKeys: []string{"RULE_DIR"},
		},
		{
			ID: "lock-path", Value: &lockPath, DefaultValue: lockPath,
			Name: "lock-path", Usage: "path to the single-instance lock file",
			EnvKeys: []string{"LOCK_PATH"},
		},
		{
			ID: "helper-allow-list", Value: &helperAllowCfg, DefaultValue: helperAllowCfg,
			Name: "helper-allow-list", Usage: "path to the framework helper allow-list TOML file",
			EnvKeys: []string{"HELPER_ALLOW_LIST"},
		},
		{
			ID: "verbose", Value: &verbose, DefaultValue: verbose,
			Name: "verbose", ShortHand: "v", Usage: "enable info-level logging",
		},
		{
			ID: "debug", Value: &debug, DefaultValue: debug,
			Name: "debug", ShortHand: "d", Usage: "enable debug-level logging",
		},
	}
	for _, f := range flags {
		if err := mgr.RegisterFlagForCmd(f, cmd); err != nil {
			sylog.Fatalf("while registering flag %s: %v", f.Name, err)
		}
	}
}

// loadModuleGraph populates graph from every module subtree under
// modulesKeyPrefix in st, so LoadAll (boot auto-load) and subsequent
// loadKernelModule/unloadKernelModule RPCs have dependency nodes to work
// with. Module definitions themselves are installed into the store by
// whatever provisions the device image, out of this daemon's scope (the
// same division of responsibility as app bundle installation, §6).
func loadModuleGraph(st store.Store, graph *kernelmodule.Graph) error {
	return st.View(func(txn store.Txn) error {
		return txn.Iterate(modulesKeyPrefix, func(key string, value []byte) error {
			name := strings.TrimPrefix(key, modulesKeyPrefix)
			cfg, err := appconf.LoadModuleConfig(value)
			if err != nil {
				return fmt.Errorf("while parsing module %s: %w", name, err)
			}
			graph.Add(name, filepath.Join(moduleKoDir, name+".ko"), cfg)
			return nil
		})
	})
}

func openStore() (store.Store, error) {
	if storeMemory {
		return memstore.New(), nil
	}
	return boltstore.Open(storePath)
}

func runDaemon(ctx context.Context) error {
	sylog.SetLevel(verbose, debug)

	lk := flock.New(lockPath)
	locked, err := lk.TryLock()
	if err != nil {
		return fmt.Errorf("while acquiring single-instance lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("another supervisord instance already holds %s", lockPath)
	}
	defer lk.Unlock()

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("while opening configuration store: %w", err)
	}
	defer st.Close()

	rebooter := reboot.Syscall{}
	modGraph := kernelmodule.NewGraph(kernelmodule.NewExecRunner(), rebooter)
	if err := loadModuleGraph(st, modGraph); err != nil {
		return fmt.Errorf("while loading module dependency graph: %w", err)
	}
	if err := modGraph.LoadAll(); err != nil {
		sylog.Errorf("boot-time auto-load of kernel modules failed: %v", err)
	}
	defer func() {
		if err := modGraph.UnloadAll(); err != nil {
			sylog.Errorf("shutdown unload of kernel modules failed: %v", err)
		}
	}()

	helperAllow, err := policy.LoadHelperAllowList(helperAllowCfg)
	if err != nil {
		return fmt.Errorf("while loading helper allow-list: %w", err)
	}

	deps := supervisor.Deps{
		Store:       st,
		Sandbox:     sandbox.NewBuilder(sandboxBase, int64(rootFSSize)),
		Policy:      policy.NewEngine(policy.NewSELinuxLabeler(), policy.NewFileRuleInstaller(ruleDir), st),
		Modules:     modGraph,
		Labeler:     policy.NewSELinuxLabeler(),
		Rebooter:    rebooter,
		HelperAllow: helperAllow,
	}
	ctrl := supervisor.New(deps)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ctrl.Run(runCtx)
	}()

	go reapChildren(runCtx, ctrl)

	srv, err := rpc.Listen(socketPath, ctrl)
	if err != nil {
		cancel()
		return fmt.Errorf("while starting RPC server: %w", err)
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-sigs
		sylog.Infof("received %s, shutting down", s)
		cancel()
	}()

	sylog.Infof("supervisord listening on %s", socketPath)
	if err := srv.Serve(runCtx); err != nil {
		cancel()
		<-loopDone
		return fmt.Errorf("RPC server stopped: %w", err)
	}

	cancel()
	<-loopDone
	return nil
}

// reapChildren drains SIGCHLD via wait4(WNOHANG) in a loop, forwarding
// every collected pid/status pair to the event loop. Grounded on the
// teacher's Master() signal-channel idiom in master_linux.go, replacing
// the one-container MonitorContainer call with a reap-everything loop
// suited to a daemon supervising an arbitrary number of apps.
func reapChildren(ctx context.Context, ctrl *supervisor.Context) {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGCHLD)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			drainExitedChildren(ctrl)
		}
	}
}

func drainExitedChildren(ctrl *supervisor.Context) {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		ctrl.NotifySigChld(pid, syscall.WaitStatus(status))
	}
}

var _ app.Rebooter = reboot.Syscall{}
