package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	walletconfig "github.com/happychain/wallet-core/cmd/happy-walletd/config"
	"github.com/happychain/wallet-core/internal/abis"
	"github.com/happychain/wallet-core/internal/assetwatch"
	"github.com/happychain/wallet-core/internal/backend"
	"github.com/happychain/wallet-core/internal/bridge"
	"github.com/happychain/wallet-core/internal/chains"
	"github.com/happychain/wallet-core/internal/constants"
	"github.com/happychain/wallet-core/internal/gateway"
	"github.com/happychain/wallet-core/internal/logging"
	"github.com/happychain/wallet-core/internal/permissions"
	"github.com/happychain/wallet-core/internal/router"
	"github.com/happychain/wallet-core/internal/securefile"
	"github.com/happychain/wallet-core/internal/session"
	"github.com/happychain/wallet-core/internal/sessionkeys"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := walletconfig.Load()
	if err != nil {
		os.Stderr.WriteString("failed to parse config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Infow("happy-walletd",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	permsPath, err := securefile.StatePath(constants.AppName, constants.PermissionsFile)
	if err != nil {
		log.Fatalw("resolve state path", "error", err)
	}
	chainsPath, _ := securefile.StatePath(constants.AppName, constants.ChainsFile)
	assetsPath, _ := securefile.StatePath(constants.AppName, constants.AssetsFile)
	identityPath, _ := securefile.StatePath(constants.AppName, constants.IdentityFile)

	perms := permissions.NewStore(permsPath, log)
	if err := perms.Load(); err != nil {
		log.Fatalw("load permissions", "error", err)
	}
	chainStore := chains.NewStore(chainsPath, log)
	if err := chainStore.Load(); err != nil {
		log.Fatalw("load chains", "error", err)
	}
	if err := chainStore.EnsureDefaults(cfg.Chains.Defaults); err != nil {
		log.Fatalw("seed default chains", "error", err)
	}
	assets := assetwatch.New(assetsPath, log)
	if err := assets.Load(); err != nil {
		log.Fatalw("load watched assets", "error", err)
	}

	sess := session.NewManager()
	hydrateIdentity(log, sess, identityPath)

	bus := bridge.NewInProc()
	defer bus.Close()

	public, err := backend.DialPublic(ctx, cfg.RPC.URL, log)
	if err != nil {
		log.Fatalw("dial public rpc", "error", err)
	}
	defer public.Close()

	backends := router.Backends{Public: public, Wallet: public, Injected: backend.Unavailable{}}
	if cfg.RPC.WalletURL != "" {
		wallet, err := backend.DialPublic(ctx, cfg.RPC.WalletURL, log)
		if err != nil {
			log.Fatalw("dial wallet rpc", "error", err)
		}
		defer wallet.Close()
		backends.Wallet = wallet
	}
	if cfg.RPC.InjectedURL != "" {
		injected, err := backend.DialPublic(ctx, cfg.RPC.InjectedURL, log)
		if err != nil {
			log.Fatalw("dial injected rpc", "error", err)
		}
		defer injected.Close()
		backends.Injected = injected
	}

	spoolDir := cfg.Popup.SpoolDir
	if spoolDir == "" {
		spoolDir = filepath.Join(filepath.Dir(permsPath), "popups")
	}
	popups, err := gateway.NewPopupDirectory(spoolDir)
	if err != nil {
		log.Fatalw("init popup spool", "error", err)
	}

	rt := router.New(log, bus, sess, perms, chainStore, assets,
		abis.New(), sessionkeys.New(), backends, popups,
		router.Config{
			PopupBaseURL:   cfg.Popup.BaseURL,
			InternalOrigin: cfg.Popup.BaseURL,
		})
	rt.Start(ctx)
	defer rt.Stop()

	srv := gateway.NewServer(log, bus, rt, sess, chainStore, popups, gateway.Config{
		Addr:           net.JoinHostPort(cfg.Gateway.Host, cfg.Gateway.Port),
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	})
	if err := srv.Start(); err != nil {
		log.Fatalw("start gateway", "error", err)
	}

	<-ctx.Done()
	log.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("gateway shutdown failed", "error", err)
	} else {
		log.Infow("gateway gracefully stopped")
	}
}

// hydrateIdentity rebinds a persisted identity. Without a passphrase (or
// without a persisted file) the session starts disconnected and the first
// interactive request drives login through the confirmation surface.
func hydrateIdentity(log *zap.SugaredLogger, sess *session.Manager, path string) {
	if _, err := os.Stat(path); err != nil {
		sess.Disconnect()
		return
	}

	pass := []byte(os.Getenv("HAPPY_IDENTITY_PASSPHRASE"))
	if len(pass) == 0 && term.IsTerminal(int(os.Stdin.Fd())) {
		os.Stdout.WriteString("identity passphrase: ")
		entered, err := term.ReadPassword(int(os.Stdin.Fd()))
		os.Stdout.WriteString("\n")
		if err == nil {
			pass = entered
		}
	}
	if len(pass) == 0 {
		log.Warnw("identity file present but no passphrase supplied, starting signed out")
		sess.Disconnect()
		return
	}

	user, ok, err := session.LoadIdentity(path, pass)
	if err != nil || !ok {
		log.Warnw("identity hydration failed, starting signed out", "error", err)
		sess.Disconnect()
		return
	}
	sess.Connect(user)
	log.Infow("identity rebound", "address", user.Address.Hex())
}
