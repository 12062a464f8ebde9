// Command server runs one chat replica: the client-facing chat core plus the
// replication peer that keeps it convergent with the rest of the cluster.
//
// Configuration comes from replchat.yaml / REPLCHAT_* environment variables;
// the flags below override the common per-replica settings so a cluster can
// be launched from one shell:
//
//	server -port 5000 -repl-port 5500 -data ./data/a -primary \
//	       -peers b@localhost:5501,c@localhost:5502
//	server -port 5001 -repl-port 5501 -data ./data/b \
//	       -peers a@localhost:5500,c@localhost:5502
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"replchat/internal/config"
	"replchat/internal/logging"
	"replchat/internal/metrics"
	"replchat/internal/protocol"
	"replchat/internal/replication"
	"replchat/internal/server"
	"replchat/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var (
		port     = flag.Int("port", cfg.Server.Port, "client listener port")
		replPort = flag.Int("repl-port", cfg.Replication.Port, "replication listener port")
		dataDir  = flag.String("data", cfg.DataDir, "data directory (doubles as replica identity)")
		peerID   = flag.String("id", "", "replica identity override")
		peers    = flag.String("peers", strings.Join(cfg.Replication.Peers, ","), "comma-separated id@host:port peer list")
		primary  = flag.Bool("primary", cfg.Primary, "bootstrap as PRIMARY on first start")
		custom   = flag.Bool("custom", cfg.CustomMode, "use the binary wire codec for clients")
	)
	flag.Parse()

	// True when no explicit peer_id was configured and the identity fell
	// back to the data dir; a -data override then moves the identity too.
	defaultedID := cfg.Replication.PeerID == cfg.DataDir

	cfg.Server.Port = *port
	cfg.Replication.Port = *replPort
	cfg.DataDir = *dataDir
	cfg.Primary = *primary
	cfg.CustomMode = *custom
	if *peers != "" {
		cfg.Replication.Peers = strings.Split(*peers, ",")
	} else {
		cfg.Replication.Peers = nil
	}
	switch {
	case *peerID != "":
		cfg.Replication.PeerID = *peerID
	case defaultedID:
		cfg.Replication.PeerID = cfg.DataDir
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("replica failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	peerList, err := cfg.Replication.PeerList()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DataDir, cfg.Primary, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	met := metrics.NewRegistry()

	addrs := make([]replication.PeerAddr, 0, len(peerList))
	for _, pa := range peerList {
		addrs = append(addrs, replication.PeerAddr{ID: pa.ID, Addr: pa.Addr})
	}
	peer := replication.New(replication.Options{
		ID:         cfg.Replication.PeerID,
		ListenAddr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Replication.Port),
		Peers:      addrs,
		Timing:     replication.DefaultTiming(),
	}, st, met, logger)

	srv := server.New(st, peer, protocol.ForMode(cfg.CustomMode), met, logger)
	peer.SetHandler(srv)

	if err := peer.Start(); err != nil {
		return err
	}
	defer peer.Stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, "role=%s links=%d\n", peer.Role(), peer.LiveLinks())
		})
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Server.Addr())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	srv.Shutdown()
	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutCtx)
	}
	logger.Info("replica stopped")
	return nil
}
