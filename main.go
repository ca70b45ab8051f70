package main

import (
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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pairchat/auth"
	"pairchat/config"
	"pairchat/discovery"
	"pairchat/logging"
	"pairchat/media"
	"pairchat/metrics"
	"pairchat/network"
	"pairchat/replica"
	"pairchat/session"
	"pairchat/storage"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pairchat",
	Short: "Two-party chat over a replicated store",
	Long: `pairchat keeps one conversation per pair of accounts in a replicated
JSON tree. "serve" hosts the tree; every other command signs in and acts on
it, either against a remote host or against the local data directory.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("store", "", "replica host address (host:port or ws:// URL); empty uses the local data directory or discovery")
	rootCmd.PersistentFlags().StringP("user", "u", "", "account identifier")
	rootCmd.PersistentFlags().String("secret", "", "account secret (default $PAIRCHAT_SECRET)")

	hostsCmd.Flags().BoolP("watch", "w", false, "keep scanning and print hosts as they appear or disappear")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hostsCmd)
	addClientCommands(rootCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the replicated store over TCP and WebSocket",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, cfgPath, err := config.LoadOrCreate()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logging.New(cfg)

		db, dbPath, err := storage.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("database close error")
			}
		}()

		local := replica.NewLocal(db, replica.WithLogger(log))
		defer local.Close()

		authService, err := auth.NewService(auth.Options{Credentials: db, Store: local, Logger: log})
		if err != nil {
			return err
		}

		server, err := network.Listen(cfg.ListenAddress, network.ServerOptions{
			Store:  local,
			Auth:   authService,
			HostID: cfg.DeviceID,
			Logger: log,
		})
		if err != nil {
			return err
		}
		defer server.Close()

		var httpServers []*http.Server
		if cfg.WebSocketAddress != "" {
			mux := http.NewServeMux()
			mux.Handle("/ws", server.WebSocketHandler())
			httpServers = append(httpServers, startHTTP(log, "websocket", cfg.WebSocketAddress, mux))
		}
		if cfg.MetricsAddress != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			httpServers = append(httpServers, startHTTP(log, "metrics", cfg.MetricsAddress, mux))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range httpServers {
				_ = srv.Shutdown(shutdownCtx)
			}
		}()

		if cfg.DiscoveryEnabled {
			port := 0
			if addr, ok := server.Addr().(*net.TCPAddr); ok {
				port = addr.Port
			}
			broadcaster, err := discovery.StartBroadcaster(discovery.Config{
				HostID:        cfg.DeviceID,
				InstanceName:  cfg.DeviceName,
				ListeningPort: port,
				Version:       network.ProtocolVersion,
			})
			if err != nil {
				log.Warn().Err(err).Msg("discovery startup failed")
			} else {
				defer broadcaster.Stop()
			}
		}

		log.Info().
			Str("config", cfgPath).
			Str("database", dbPath).
			Str("listen", server.Addr().String()).
			Str("websocket", cfg.WebSocketAddress).
			Str("metrics", cfg.MetricsAddress).
			Bool("discovery", cfg.DiscoveryEnabled).
			Msg("serving")

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	},
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List replica hosts advertised on the local network",
	RunE: func(cmd *cobra.Command, _ []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		scanner, err := discovery.NewHostScanner(discovery.Config{Version: network.ProtocolVersion})
		if err != nil {
			return err
		}

		if watch {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return scanner.Watch(ctx, func(event discovery.Event) {
				sign := "+"
				if event.Type == discovery.EventHostRemoved {
					sign = "-"
				}
				fmt.Printf("%s %s\n", sign, formatHost(event.Host))
			})
		}

		if _, err := scanner.Scan(cmd.Context()); err != nil {
			return err
		}
		hosts := scanner.Hosts()
		if len(hosts) == 0 {
			fmt.Println("no hosts found")
			return nil
		}
		for _, host := range hosts {
			fmt.Println(formatHost(host))
		}
		return nil
	},
}

func formatHost(host discovery.DiscoveredHost) string {
	return fmt.Sprintf("%s\t%s\tv%d\t%s", host.HostID, host.InstanceName, host.Version, host.Address())
}

func startHTTP(log zerolog.Logger, name, address string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("server", name).Msg("http server stopped")
		}
	}()
	return srv
}

// app holds what every client command needs.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	db    *storage.Store
	store replica.Store
	auth  auth.Authenticator
	media *media.Service

	closers []func() error
}

// openApp resolves the store: a --store or configured address is dialled,
// ws:// URLs over WebSocket; with neither, discovery is tried when enabled
// and otherwise the local data directory is used directly.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, _, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flag, _ := cmd.Flags().GetString("store"); flag != "" {
		cfg.StoreAddress = flag
	}

	a := &app{cfg: cfg, log: logging.New(cfg)}

	db, _, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	a.media, err = media.NewService(media.Options{
		Repository: db,
		Dir:        config.MediaDir(cfg.DataDir),
		MaxBytes:   cfg.MaxMediaBytes,
		Logger:     a.log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.connect(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	address := a.cfg.StoreAddress
	if address == "" && a.cfg.DiscoveryEnabled {
		host, err := discovery.FindHost(ctx, discovery.Config{Version: network.ProtocolVersion})
		switch {
		case err == nil:
			address = host.Address()
			a.log.Info().Str("host", host.HostID).Str("address", address).Msg("discovered replica host")
		case errors.Is(err, discovery.ErrNoHost):
			a.log.Debug().Msg("no replica host discovered, using local store")
		default:
			return err
		}
	}

	if address == "" {
		local := replica.NewLocal(a.db, replica.WithLogger(a.log))
		authService, err := auth.NewService(auth.Options{Credentials: a.db, Store: local, Logger: a.log})
		if err != nil {
			return err
		}
		a.store, a.auth = local, authService
		a.closers = append(a.closers, local.Close)
		return nil
	}

	options := network.ClientOptions{ClientID: a.cfg.DeviceID, Logger: a.log}
	var (
		client *network.Client
		err    error
	)
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		client, err = network.DialWebSocket(ctx, address, options)
	} else {
		client, err = network.Dial(ctx, address, options)
	}
	if err != nil {
		return err
	}
	a.store, a.auth = client, client
	a.closers = append(a.closers, client.Close)
	return nil
}

func (a *app) session(listener session.Listener) (*session.Session, error) {
	return session.New(session.Options{
		Store:    a.store,
		Auth:     a.auth,
		Media:    a.media,
		Listener: listener,
		Logger:   a.log,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Debug().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
