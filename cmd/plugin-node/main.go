package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"

	"Assembler-Plugins/internal/api"
	"Assembler-Plugins/internal/config"
	"Assembler-Plugins/internal/core/client"
	"Assembler-Plugins/internal/core/network"
	"Assembler-Plugins/internal/plugins/adder"
)

var log = logging.Logger("node")

func main() {
	cfgPath := flag.String("config", "config.toml", "path to the TOML config file")
	initCfg := flag.Bool("init", false, "write a default config to -config and exit")
	flag.Parse()

	if *initCfg {
		if err := config.NewDefaultConfig().WriteFile(*cfgPath); err != nil {
			log.Fatalf("write config: %v", err)
		}
		log.Infof("wrote default config to %s", *cfgPath)
		return
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		log.Fatalf("log level: %v", err)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newTransport,
			newClient,
			newAdder,
			newAPI,
		),
		fx.Invoke(serveAPI),
		fx.NopLogger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	<-ctx.Done()
	if err := app.Stop(context.Background()); err != nil {
		log.Errorf("stop: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warnw("config file not found, using defaults", "path", path)
		return config.NewDefaultConfig(), nil
	}
	return cfg, err
}

func newTransport(lc fx.Lifecycle, cfg *config.Config) (network.Transport, error) {
	var t network.Transport
	switch cfg.Network.Transport {
	case config.TransportMemory:
		node, err := network.NewMemoryNetwork().Join("local")
		if err != nil {
			return nil, err
		}
		t = node
	default:
		node, err := network.NewLibp2pNode(context.Background(), network.Libp2pOptions{
			ListenAddrs:     cfg.Network.ListenAddrs,
			Bootstrap:       cfg.Network.Bootstrap,
			Rendezvous:      cfg.Network.Rendezvous,
			EnableMDNS:      cfg.Network.EnableMDNS,
			IdentityKeyFile: cfg.Network.IdentityKeyFile,
		})
		if err != nil {
			return nil, err
		}
		log.Infow("libp2p node started", "peer_id", node.ID(), "addrs", node.ListenAddrs())
		t = node
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return t.Close() }})
	return t, nil
}

func newClient(lc fx.Lifecycle, t network.Transport) *client.Client {
	c := client.New(context.Background(), t)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return c.Close() }})
	return c
}

// newAdder returns a nil plugin when the adder is disabled.
func newAdder(cfg *config.Config, c *client.Client) (*adder.Plugin, error) {
	if !cfg.Adder.Enabled {
		return nil, nil
	}
	p, err := adder.New(c, adder.WithPrefix(cfg.Adder.TopicPrefix))
	if err != nil {
		return nil, err
	}
	if err := c.AddPlugin(p); err != nil {
		return nil, err
	}
	log.Infow("plugin loaded", "plugin", p.ID(), "topics", p.Topics())
	return p, nil
}

func newAPI(lc fx.Lifecycle, cfg *config.Config, c *client.Client, p *adder.Plugin) (*api.Server, error) {
	var add api.Adder
	if p != nil {
		add = p
	}
	s, err := api.NewServer(c, add, api.Options{
		AllowOrigin:     cfg.API.AllowOrigin,
		ResultCacheSize: cfg.API.ResultCacheSize,
		RequestTimeout:  cfg.API.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		s.Close()
		return nil
	}})
	return s, nil
}

func serveAPI(lc fx.Lifecycle, cfg *config.Config, s *api.Server) {
	srv := &http.Server{Handler: s.Handler()}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.API.Address)
			if err != nil {
				return err
			}
			log.Infow("api listening", "addr", ln.Addr().String())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorw("api server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
