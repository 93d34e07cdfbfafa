// Command kertas runs the Kertas file delivery service.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/kertas/internal/config"
	"github.com/ssd-technologies/kertas/internal/crypto"
	"github.com/ssd-technologies/kertas/internal/drives"
	"github.com/ssd-technologies/kertas/internal/objectstore"
	"github.com/ssd-technologies/kertas/internal/objectstore/gdrive"
	"github.com/ssd-technologies/kertas/internal/objectstore/memstore"
	"github.com/ssd-technologies/kertas/internal/server"
	"github.com/ssd-technologies/kertas/internal/tokens"
)

// Error is the error class for process startup failures.
var Error = errs.Class("kertas")

const shutdownTimeout = 30 * time.Second

var (
	rootCmd = &cobra.Command{
		Use:           "kertas",
		Short:         "Secure file delivery from Google Drive",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE:  cmdRun,
	}
	hashCmd = &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print an argon2id hash for a drive password",
		Long:  "Print an argon2id hash for a drive password. Without an argument the password is read from the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  cmdHashPassword,
	}
	mintCmd = &cobra.Command{
		Use:   "mint-link <fileId>",
		Short: "Print a signed download link without contacting the service",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdMintLink,
	}

	configFile string
	mintTTL    time.Duration
	mintClient string

	v = viper.New()
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	runCmd.Flags().String("address", ":8080", "address to listen on")
	runCmd.Flags().String("debug-address", "", "address of the debug listener (pprof and /mon/), disabled when empty")
	rootCmd.PersistentFlags().String("log-level", "info", "minimum log level")
	rootCmd.PersistentFlags().String("log-encoding", "console", "log encoding, console or json")
	mintCmd.Flags().DurationVar(&mintTTL, "ttl", 0, "link lifetime, defaults to download.defaultTTL")
	mintCmd.Flags().StringVar(&mintClient, "client-address", "", "bind the link to this client address")

	rootCmd.AddCommand(runCmd, hashCmd, mintCmd)
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"address":       "server.address",
	"debug-address": "debug.address",
	"log-level":     "log.level",
	"log-encoding":  "log.encoding",
}

// bindFlags lets explicitly set flags override the file and environment.
func bindFlags(flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && err == nil {
			err = v.BindPFlag(key, f)
		}
	})
	return err
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.Bind(v, configFile); err != nil {
		return nil, err
	}
	if err := bindFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}
	return config.Load(v)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, root, err := openStore(ctx, log.Named("store"), cfg)
	if err != nil {
		return err
	}
	registry, err := openDrives(log.Named("drives"), cfg, root)
	if err != nil {
		return err
	}
	keys := crypto.NewKeyRing(keyRingConfig(cfg))

	srv := server.New(log.Named("server"), cfg, registry, tokens.NewService(keys), store)
	srv.StartWorkers(ctx)

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return Error.Wrap(err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("kertas listening", zap.String("address", listener.Addr().String()), zap.String("store", cfg.Store.Kind))
		return runHTTP(ctx, log, newHTTPServer(srv), listener, shutdownTimeout)
	})
	if cfg.Debug.Address != "" {
		group.Go(func() error {
			return runDebug(ctx, log.Named("debug"), cfg.Debug.Address)
		})
	}
	return group.Wait()
}

// newHTTPServer wraps handler with the front door timeouts. Requests get the
// server's background base context, so a shutdown signal does not cancel
// streams that are already running.
func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// runHTTP serves on listener until ctx is done, then stops accepting and
// waits up to grace for in-flight requests before closing what remains.
func runHTTP(ctx context.Context, log *zap.Logger, srv *http.Server, listener net.Listener, grace time.Duration) error {
	var group errgroup.Group
	stopped := make(chan struct{})
	group.Go(func() error {
		defer close(stopped)
		if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return Error.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		select {
		case <-ctx.Done():
		case <-stopped:
			return nil
		}
		log.Info("shutting down", zap.Duration("grace", grace))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("requests still running after grace period, closing", zap.Error(err))
			return Error.Wrap(errs.Combine(err, srv.Close()))
		}
		return nil
	})
	return group.Wait()
}

// openStore returns the configured object store. The memory store also
// returns the id of its seeded root, used as the public container when none
// is configured.
func openStore(ctx context.Context, log *zap.Logger, cfg *config.Config) (objectstore.Store, string, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory:
		store := memstore.New()
		if cfg.Store.SeedDir == "" {
			log.Warn("memory store has no seed directory, all drives are empty")
			return store, "", nil
		}
		root, err := store.LoadDir(cfg.Store.SeedDir)
		if err != nil {
			return nil, "", err
		}
		log.Info("memory store seeded", zap.String("dir", cfg.Store.SeedDir), zap.String("root", root))
		return store, root, nil
	default:
		store, err := gdrive.New(ctx, log, gdrive.Config{
			CredentialsFile:   cfg.GDrive.CredentialsFile,
			CredentialsJSON:   cfg.GDrive.CredentialsJSON,
			RequestsPerSecond: cfg.GDrive.RequestsPerSecond,
			Burst:             cfg.GDrive.Burst,
		})
		return store, "", err
	}
}

func openDrives(log *zap.Logger, cfg *config.Config, seededRoot string) (*drives.Registry, error) {
	if cfg.Drives.File != "" {
		return drives.Load(log, cfg.Drives.File)
	}
	root := cfg.Drives.PublicContainerID
	if root == "" {
		root = seededRoot
	}
	return drives.PublicOnly(log, root), nil
}

func keyRingConfig(cfg *config.Config) crypto.KeyRingConfig {
	return crypto.KeyRingConfig{
		Session:          cfg.Secrets.Session,
		Download:         cfg.Secrets.Download,
		PreviousSession:  cfg.Secrets.PreviousSession,
		PreviousDownload: cfg.Secrets.PreviousDownload,
	}
}

func cmdHashPassword(cmd *cobra.Command, args []string) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return Error.New("reading password: %v", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return Error.New("password is empty")
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), crypto.HashPassword(password))
	return err
}

func cmdMintLink(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ttl := mintTTL
	if ttl == 0 {
		ttl = cfg.Download.DefaultTTL
	}
	if ttl > cfg.Download.MaxTTL {
		return Error.New("ttl %s exceeds download.maxTTL %s", ttl, cfg.Download.MaxTTL)
	}
	if cfg.Download.BindClientAddress && mintClient == "" {
		return Error.New("--client-address is required when download.bindClientAddress is set")
	}

	service := tokens.NewService(crypto.NewKeyRing(keyRingConfig(cfg)))
	auth, err := service.IssueDownloadAuthorization(args[0], ttl, mintClient)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), server.DownloadURL(cfg.Download.BaseURL, auth))
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kertas: %v\n", err)
		os.Exit(1)
	}
}
