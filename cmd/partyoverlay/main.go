package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"partyoverlay/internal/backend"
	"partyoverlay/internal/config"
	"partyoverlay/internal/crypto"
	"partyoverlay/internal/engine"
	"partyoverlay/internal/feed"
	"partyoverlay/internal/media"
	"partyoverlay/internal/overlay"
	"partyoverlay/internal/photos"
	"partyoverlay/internal/preload"
	"partyoverlay/internal/provider"
	"partyoverlay/internal/server"
	"partyoverlay/internal/store"
	"partyoverlay/internal/transport"
)

var version = "dev"

const tokenCacheSalt = "partyoverlay/token-cache"

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $PARTYOVERLAY_CONFIG)")
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatal(err)
	}
	if *configPath == "" {
		*configPath = os.Getenv("PARTYOVERLAY_CONFIG")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		log.Fatal(err)
	}
	storeOpts := []store.Option{store.WithOpsLimit(cfg.Store.OpsLimit)}
	enc, err := newEncryptor(cfg.Store)
	if err != nil {
		log.Fatalf("token cache key: %v", err)
	}
	if enc != nil {
		storeOpts = append(storeOpts, store.WithEncryptor(enc))
	}
	st, err := store.New(cfg.Store.Path, storeOpts...)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer st.Close()
	if err := st.MigrateEmbedded(); err != nil {
		log.Fatalf("running migrations: %v", err)
	}

	bc, err := backend.New(cfg.Backend.URL, cfg.Backend.APIToken)
	if err != nil {
		log.Fatalf("backend client: %v", err)
	}

	tokenOpts := []provider.TokenOption{
		provider.WithExpiryMargin(cfg.Provider.ExpiryMargin.D()),
		provider.WithRefreshInterval(cfg.Provider.RefreshInterval.D()),
	}
	if cfg.Provider.StaticToken != "" {
		tokenOpts = append(tokenOpts, provider.WithStaticToken(cfg.Provider.StaticToken))
	}
	if st.HasEncryptor() {
		tokenOpts = append(tokenOpts, provider.WithTokenCache(st))
	} else {
		log.Println("no token cache key configured, access tokens are kept in memory only")
	}
	tokens := provider.NewTokenSource(bc, tokenOpts...)

	sdkOpts := []provider.ConnectOption{provider.WithPollInterval(cfg.Provider.PollInterval.D())}
	if cfg.Provider.APIBaseURL != "" {
		sdkOpts = append(sdkOpts, provider.WithAPIBaseURL(cfg.Provider.APIBaseURL))
	}
	sdk := provider.NewConnectSDK(tokens.Func(), sdkOpts...)
	adapter := provider.New(sdk, tokens,
		provider.WithDeviceName(cfg.Provider.DeviceName),
		provider.WithLoadTimeout(cfg.Provider.LoadTimeout.D()),
		provider.WithReadyTimeout(cfg.Provider.ReadyTimeout.D()),
		provider.WithAPI(sdk.Client(tokens.Func())),
	)
	defer adapter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var element engine.MediaElement = media.Disabled{}
	var mediaEvents <-chan media.Event
	if cfg.Media.Enabled {
		ctrl := media.New(media.Options{
			MPVPath:        cfg.Media.MPVPath,
			IPCPath:        cfg.Media.IPCPath,
			DisableProcess: !cfg.Media.SpawnProcess,
		})
		startCtx, cancel := context.WithTimeout(ctx, cfg.Media.StartTimeout.D())
		err := ctrl.Start(startCtx)
		cancel()
		if err != nil {
			log.Printf("direct audio disabled: %v", err)
		} else {
			element = ctrl
			mediaEvents = ctrl.Events()
			defer ctrl.Stop()
		}
	}

	legacy, _ := engine.ParseLegacyPolicy(cfg.Engine.LegacyFrames)
	queue := preload.New(adapter, preload.WithWindow(cfg.Engine.PreloadWindow))
	eng := engine.New(adapter, queue, element,
		engine.WithSettleDelay(cfg.Engine.SettleDelay.D()),
		engine.WithLegacyPolicy(legacy),
		engine.WithJournal(st),
	)

	tc, err := transport.New(cfg.Transport.URL, cfg.TokenPolicy(),
		transport.WithPingInterval(cfg.Transport.PingInterval.D()),
		transport.WithBackoff(cfg.Transport.BackoffInitial.D(), cfg.Transport.BackoffMax.D(), cfg.Transport.BackoffFactor),
	)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	hub := feed.NewHub()
	runnerOpts := []overlay.Option{overlay.WithKeepalive(cfg.Transport.KeepaliveInterval.D())}
	if mediaEvents != nil {
		runnerOpts = append(runnerOpts, overlay.WithMediaEvents(mediaEvents))
	}
	if cfg.Photos.Enabled {
		poller := photos.New(bc,
			photos.WithInterval(cfg.Photos.Interval.D()),
			photos.WithBatchSize(cfg.Photos.BatchSize),
			photos.WithLedger(st),
		)
		runnerOpts = append(runnerOpts, overlay.WithPhotoSource(poller))
	}
	runner := overlay.New(tc, eng, adapter, hub, runnerOpts...)

	srv := server.NewServer(eng, hub,
		server.WithCORSOrigin(cfg.Server.CORSOrigin),
		server.WithControlToken(cfg.Server.ControlToken),
		server.WithProviderSession(adapter),
		server.WithHistory(st),
		server.WithConnectivity(tc),
		server.WithVersion(version),
	)
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(ctx); err != nil {
			log.Printf("overlay runner: %v", err)
		}
	}()

	go func() {
		log.Printf("partyoverlay %s listening on %s", version, cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		log.Printf("overlay runner did not stop in time")
	}
}

func newEncryptor(cfg config.StoreConfig) (*crypto.Encryptor, error) {
	switch {
	case cfg.EncryptionKey != "":
		return crypto.NewEncryptor(cfg.EncryptionKey)
	case cfg.Passphrase != "":
		return crypto.NewEncryptorFromPassphrase(cfg.Passphrase, tokenCacheSalt)
	}
	return nil, nil
}
