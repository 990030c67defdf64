// Command molequeue runs the MoleQueue broker: a long-running process
// that accepts local (and optionally WebSocket) JSON-RPC connections,
// submits jobs to configured local/remote queues, and persists their
// lifecycle under its working directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenChemistry/molequeue-sub002/internal/archive"
	"github.com/OpenChemistry/molequeue-sub002/internal/cli"
	"github.com/OpenChemistry/molequeue-sub002/internal/config"
	"github.com/OpenChemistry/molequeue-sub002/internal/crypto"
	"github.com/OpenChemistry/molequeue-sub002/internal/dispatch"
	"github.com/OpenChemistry/molequeue-sub002/internal/eventlog"
	"github.com/OpenChemistry/molequeue-sub002/internal/jobindex"
	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
	"github.com/OpenChemistry/molequeue-sub002/internal/queue"
	"github.com/OpenChemistry/molequeue-sub002/internal/queue/local"
	"github.com/OpenChemistry/molequeue-sub002/internal/queue/remote"
	"github.com/OpenChemistry/molequeue-sub002/internal/server"
	"github.com/OpenChemistry/molequeue-sub002/internal/statemachine"
	"github.com/OpenChemistry/molequeue-sub002/internal/transport"
	"github.com/OpenChemistry/molequeue-sub002/internal/version"
)

// exitStartupError and exitBadArgs are the process exit codes §6
// assigns beyond the conventional 0 for success.
const (
	exitStartupError = 1
	exitBadArgs      = 2
)

func main() {
	var workdir, socketName string
	var rpcKill bool

	var showVersion bool

	root := &cobra.Command{
		Use:          "molequeue",
		Short:        "Local job broker for scientific compute backends",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(version.Version)
				return nil
			}
			return runServe(cmd.Context(), workdir, socketName, rpcKill)
		},
	}
	root.Flags().StringVar(&workdir, "workdir", defaultWorkdir(), "broker working directory")
	root.Flags().StringVar(&socketName, "socketname", "", "override the configured socket name")
	root.Flags().BoolVar(&rpcKill, "rpc-kill", false, "enable the test-only rpcKill method")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "print the version and exit")

	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		if se, ok := err.(*startupError); ok {
			fmt.Fprintln(os.Stderr, se.err)
			os.Exit(exitStartupError)
		}
		if be, ok := err.(*badArgsError); ok {
			fmt.Fprintln(os.Stderr, be.err)
			os.Exit(exitBadArgs)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitBadArgs)
	}
}

type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }

type badArgsError struct{ err error }

func (e *badArgsError) Error() string { return e.err.Error() }

func defaultWorkdir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".molequeue"
	}
	return filepath.Join(home, ".molequeue")
}

func statusCmd() *cobra.Command {
	var workdir, socketName string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configured queues on a running broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			sockPath, err := resolveSocketPath(workdir, socketName)
			if err != nil {
				return err
			}
			return cli.Status(sockPath, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", defaultWorkdir(), "broker working directory")
	cmd.Flags().StringVar(&socketName, "socketname", "", "override the configured socket name")
	return cmd
}

// resolveSocketPath loads just enough config to find the socket name,
// falling back to defaults exactly as runServe does.
func resolveSocketPath(workdir, socketNameFlag string) (string, error) {
	cfg, _, err := config.Load(filepath.Join(workdir, "config"), "")
	if err != nil && err != config.ErrNoConfig {
		return "", err
	}
	name := cfg.SocketName
	if socketNameFlag != "" {
		name = socketNameFlag
	}
	return socketPath(name), nil
}

func socketPath(name string) string {
	if runtime.GOOS == "windows" {
		return name
	}
	return filepath.Join(os.TempDir(), name+".sock")
}

func runServe(ctx context.Context, workdir, socketNameFlag string, rpcKill bool) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	for _, dir := range []string{"config", "local", "jobs", "log"} {
		if err := os.MkdirAll(filepath.Join(workdir, dir), 0755); err != nil {
			return &startupError{fmt.Errorf("create %s: %w", dir, err)}
		}
	}

	cfg, fname, err := config.Load(filepath.Join(workdir, "config"), "")
	if err != nil && err != config.ErrNoConfig {
		return &startupError{err}
	}
	if err == config.ErrNoConfig {
		log.Warn("no config file found, starting with no queues configured", "dir", filepath.Join(workdir, "config"))
	} else {
		log.Info("loaded config", "file", fname)
	}

	if socketNameFlag != "" {
		cfg.SocketName = socketNameFlag
	}

	decryptIdentityPassphrases(cfg, log)

	index, err := openIndex(cfg.Index, workdir)
	if err != nil {
		return &startupError{err}
	}

	store, err := jobstore.New(filepath.Join(workdir, "jobs"), index)
	if err != nil {
		return &startupError{fmt.Errorf("open job store: %w", err)}
	}
	if err := store.ReconcileAfterRestart(); err != nil {
		log.Error("reconcile jobs after restart", "error", err)
	}

	events, err := eventlog.Open(filepath.Join(workdir, "log"))
	if err != nil {
		return &startupError{fmt.Errorf("open event log: %w", err)}
	}
	defer events.Close()

	// The registry starts empty: the server facade is built first so
	// its EventAppender exists, then concrete queues (which need that
	// appender) populate the same registry instance the dispatcher
	// handlers already hold a pointer to.
	registry := queue.NewRegistry()
	d := dispatch.New(log)
	srv := server.New(store, registry, d, events, filepath.Join(workdir, "local"), log, rpcKill)

	if cfg.Archive.Enabled {
		a, err := archive.New(ctx, archive.Config{
			Bucket:   cfg.Archive.Bucket,
			Prefix:   cfg.Archive.Prefix,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		}, log)
		if err != nil {
			return &startupError{fmt.Errorf("configure archiver: %w", err)}
		}
		srv.Archiver = a
	}

	pollers := populateRegistry(registry, cfg, store, workdir, srv.EventAppender(), log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, p := range pollers {
		go runPoller(ctx, p, log)
	}

	sockPath := socketPath(cfg.SocketName)
	listener, err := transport.NewLocalListener(sockPath)
	if err != nil {
		return &startupError{fmt.Errorf("bind socket %s: %w", sockPath, err)}
	}
	defer listener.Close()
	log.Info("listening", "socket", sockPath)

	go acceptLoop(ctx, listener, d, log)

	var wsListener *transport.WebSocketListener
	if cfg.WebSocket.Addr != "" {
		wsListener, err = transport.NewWebSocketListener(cfg.WebSocket.Addr, cfg.WebSocket.Path)
		if err != nil {
			return &startupError{fmt.Errorf("bind websocket %s: %w", cfg.WebSocket.Addr, err)}
		}
		log.Info("listening", "websocket", wsListener.Addr())
		go acceptLoop(ctx, wsListener, d, log)
	}

	if rpcKill {
		srv.SetKillHook(stop)
	}

	<-ctx.Done()
	log.Info("shutting down")
	if wsListener != nil {
		wsListener.Close()
	}
	return nil
}

func acceptLoop(ctx context.Context, ln transport.Listener, d *dispatch.Dispatcher, log *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Error("accept connection", "error", err)
				return
			}
		}
		go d.Serve(ctx, conn)
	}
}

func openIndex(cfg config.IndexConfig, workdir string) (jobstore.Index, error) {
	switch cfg.Backend {
	case "postgres":
		return jobindex.NewPostgres(cfg.DSN)
	default:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(workdir, "index.sqlite")
		}
		return jobindex.NewSQLite(dsn)
	}
}

// decryptIdentityPassphrases resolves any "enc:"-prefixed
// identityPassphrase in the loaded queue defs using the secret named
// by MOLEQUEUE_ENCRYPTION_SECRET. Plaintext passphrases (no prefix)
// pass through untouched, so encryption is opt-in.
func decryptIdentityPassphrases(cfg *config.Config, log *slog.Logger) {
	var needsCipher bool
	for _, q := range cfg.Queues {
		if crypto.IsEncrypted(q.IdentityPassphrase) {
			needsCipher = true
			break
		}
	}
	if !needsCipher {
		return
	}

	secret := os.Getenv("MOLEQUEUE_ENCRYPTION_SECRET")
	if secret == "" {
		log.Warn("queue config has encrypted identityPassphrase values but MOLEQUEUE_ENCRYPTION_SECRET is unset; leaving them encrypted")
		return
	}
	cipher, err := crypto.NewCipher(secret)
	if err != nil {
		log.Error("build cipher from MOLEQUEUE_ENCRYPTION_SECRET", "error", err)
		return
	}
	for i := range cfg.Queues {
		plain, err := cipher.Decrypt(cfg.Queues[i].IdentityPassphrase)
		if err != nil {
			log.Error("decrypt identityPassphrase", "queue", cfg.Queues[i].Name, "error", err)
			continue
		}
		cfg.Queues[i].IdentityPassphrase = plain
	}
}

// poller pairs a registered queue with how often runServe should call
// its Update method (§4.8 step 3: remote backends are polled on
// an interval; local queues drive their transitions from process exit
// instead, so they're never handed a poller).
type poller struct {
	name     string
	queue    queue.Queue
	interval time.Duration
}

// populateRegistry constructs every configured queue and registers it,
// wired to appender so transitions flow through the server facade's
// notification and archival bridge. Remote queues are also returned as
// pollers for runServe to drive on their configured interval.
func populateRegistry(registry *queue.Registry, cfg *config.Config, store *jobstore.Store, workdir string, appender statemachine.EventAppender, log *slog.Logger) []poller {
	var pollers []poller
	for _, def := range cfg.Queues {
		var q queue.Queue
		switch def.Type {
		case queue.TypeLocal:
			concurrency := def.MaxConcurrentJobs
			if concurrency <= 0 {
				concurrency = runtime.NumCPU()
			}
			q = local.New(def.Name, def.Programs, store, appender, filepath.Join(workdir, "local"), concurrency)
		case queue.TypeRemoteSGE:
			rc := remoteConfig(def)
			q = remote.New(def.Name, remote.SGESpec, rc, def.Programs, store, appender)
			pollers = append(pollers, poller{def.Name, q, rc.PollInterval})
		case queue.TypeRemotePBS:
			rc := remoteConfig(def)
			q = remote.New(def.Name, remote.PBSSpec, rc, def.Programs, store, appender)
			pollers = append(pollers, poller{def.Name, q, rc.PollInterval})
		case queue.TypeRemoteSLURM:
			rc := remoteConfig(def)
			q = remote.New(def.Name, remote.SLURMSpec, rc, def.Programs, store, appender)
			pollers = append(pollers, poller{def.Name, q, rc.PollInterval})
		case queue.TypeRemoteOAR:
			rc := remoteConfig(def)
			q = remote.New(def.Name, remote.OARSpec, rc, def.Programs, store, appender)
			pollers = append(pollers, poller{def.Name, q, rc.PollInterval})
		default:
			log.Error("unknown queue type, skipping", "queue", def.Name, "type", def.Type)
			continue
		}
		registry.Register(def.Name, q, def.Programs)
	}
	return pollers
}

// runPoller calls p.queue.Update on p.interval until ctx is canceled,
// logging (not failing) any error so one bad poll never takes down the
// broker.
func runPoller(ctx context.Context, p poller, log *slog.Logger) {
	interval := p.interval
	if interval <= 0 {
		interval = 60 * time.Second // the default remote.New applies to its own copy
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Update(ctx); err != nil {
				log.Error("poll queue", "queue", p.name, "error", err)
			}
		}
	}
}

func remoteConfig(def queue.Def) remote.Config {
	return remote.Config{
		Host:                 def.Host,
		User:                 def.User,
		SSHPort:              def.SSHPort,
		IdentityFile:         def.IdentityFile,
		IdentityPassphrase:   def.IdentityPassphrase,
		WorkingDirectoryBase: def.WorkingDirectoryBase,
		PollInterval:         time.Duration(def.PollIntervalSeconds) * time.Second,
		CleanRemoteFiles:     false,
	}
}
