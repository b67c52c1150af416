// Command lwm2mclientd is the daemon entrypoint: it loads configuration,
// opens the Credential and Parameter Stores, builds the Session Manager,
// forwards its events to the optional operator status surface, and drives
// it from a stdin command loop, per spec §6's external interface list.
//
// Grounded on Protei_Monitoring/bin/main.go's startup sequence (load
// config, open stores/services, start the web server in a goroutine, wait
// on the signal channel) and cmd/protei-monitoring/main.go's flag parsing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/protei/lwm2mclient/internal/appconfig"
	"github.com/protei/lwm2mclient/internal/credstore"
	"github.com/protei/lwm2mclient/internal/logger"
	"github.com/protei/lwm2mclient/internal/oamctl"
	"github.com/protei/lwm2mclient/internal/opstatus"
	"github.com/protei/lwm2mclient/internal/paramstore"
	"github.com/protei/lwm2mclient/internal/registry"
	"github.com/protei/lwm2mclient/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "lwm2mclientd.yaml", "path to the daemon configuration file")
	debugDTLS := flag.Bool("d", false, "raise the DTLS component log level to debug")
	listenAddr := flag.String("listen", "", "UDP address to bind for LwM2M traffic (overrides config)")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lwm2mclientd: load config: %v\n", err)
		return 1
	}

	if err := logger.Init(logger.Config{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "lwm2mclientd: init logger: %v\n", err)
		return 1
	}
	if *debugDTLS {
		logger.SetComponentLevel("dtls", zerolog.DebugLevel)
	}
	log := logger.Get().WithComponent("main")

	credStore, err := credstore.Open(cfg.Store.CredentialFile)
	if err != nil {
		log.Error("open credential store", err)
		return 1
	}
	paramStore, err := paramstore.Open(cfg.Store.ParameterDir)
	if err != nil {
		log.Error("open parameter store", err)
		return 1
	}

	addr := cfg.Transport.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}

	var statusServer *opstatus.Server
	if cfg.OpStatus.Enabled {
		statusServer = opstatus.New(opstatus.Config{
			ListenAddr: cfg.OpStatus.ListenAddr,
			Auth: opstatus.AuthConfig{
				Username:     cfg.OpStatus.Username,
				PasswordHash: cfg.OpStatus.PasswordHash,
				JWTSecret:    cfg.OpStatus.JWTSecret,
			},
		})
	}

	reg := registry.New()
	var mgr *session.Manager
	mgr, err = session.Init(session.Config{
		CredStore:  credStore,
		ParamStore: paramStore,
		Registry:   reg,
		ListenAddr: addr,
		NATTimeout: time.Duration(cfg.Transport.NATTimeoutSeconds) * time.Second,
	}, eventCallback(statusServer, func() session.State { return mgr.State() }))
	if err != nil {
		log.Error("init session manager", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if statusServer != nil {
		go func() {
			if err := statusServer.Start(); err != nil {
				log.Warn("operator status server stopped", "error", err.Error())
			}
		}()
	}

	controller := oamctl.New(mgr, func() error {
		_, err := appconfig.Reload(*configPath)
		return err
	})
	return controller.Run(ctx, os.Stdin)
}

// eventCallback wraps the operator status server's event broadcast so every
// forwarded event also refreshes the /api/state snapshot, since events alone
// don't tell a freshly-connected dashboard client what state the session is
// in right now.
func eventCallback(statusServer *opstatus.Server, currentState func() session.State) session.Callback {
	if statusServer == nil {
		return nil
	}
	inner := statusServer.Callback()
	return func(ev session.Event) {
		inner(ev)
		statusServer.SetState(currentState())
	}
}
