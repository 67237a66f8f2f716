package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/xapiens/rvpf-modbus/internal/api"
	"github.com/xapiens/rvpf-modbus/internal/config"
	zaplog "github.com/xapiens/rvpf-modbus/internal/logger"
	"github.com/xapiens/rvpf-modbus/internal/metrics"
	"github.com/xapiens/rvpf-modbus/internal/modbus"
	"github.com/xapiens/rvpf-modbus/internal/storage"
	"github.com/xapiens/rvpf-modbus/internal/websocket"
)

var Version = "0.1.0"

func main() {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Printf("║       rvpf-modbus v%-17s ║\n", Version)
	fmt.Println("║   Modbus master/slave protocol shim    ║")
	fmt.Println("╚═══════════════════════════════════════╝")

	if err := zaplog.Init(zaplog.DefaultConfig()); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zaplog.Sync()
	zlog := zaplog.Get()

	configPath := getEnv("RVPFMB_CONFIG", "")
	cfg, err := config.Load(configPath)
	if err != nil {
		zlog.Fatal("failed to load configuration", zap.Error(err))
	}

	history, err := storage.New(storage.Config{Type: storage.BackendSQLite, Path: cfg.Storage.Path})
	if err != nil {
		zlog.Fatal("failed to open point-value history", zap.Error(err))
	}
	defer history.Close()

	wsHub := websocket.NewHub()
	go wsHub.Run()

	m := metrics.NewMetrics()
	diag := api.NewService(wsHub, m, zlog)

	scheduler := modbus.NewPollScheduler(zlog)
	var servers []*modbus.Server

	for name, spec := range cfg.Peers {
		peerCfg, err := cfg.PeerConfig(name)
		if err != nil {
			zlog.Warn("skipping peer with invalid configuration", zap.String("peer", name), zap.Error(err))
			continue
		}

		switch spec.Role {
		case "server":
			srv, err := modbus.NewServer(peerCfg, zlog)
			if err != nil {
				zlog.Warn("failed to create server peer", zap.String("peer", name), zap.Error(err))
				continue
			}
			srv.SetValueSink(storage.ValueSink(history))
			diag.RegisterPeer(name, "server", srv)
			servers = append(servers, srv)
			go func(name string, srv *modbus.Server) {
				if err := srv.Serve(context.Background()); err != nil {
					zlog.Error("server peer stopped", zap.String("peer", name), zap.Error(err))
				}
			}(name, srv)

		default: // "client"
			client, err := modbus.NewClient(peerCfg, zlog)
			if err != nil {
				zlog.Warn("failed to create client peer", zap.String("peer", name), zap.Error(err))
				continue
			}
			diag.RegisterPeer(name, "client", client)

			if spec.PollIntervalMS > 0 {
				interval := time.Duration(spec.PollIntervalMS) * time.Millisecond
				if err := scheduler.AddPeer(name, client, interval, storage.PollSink(history)); err != nil {
					zlog.Warn("failed to schedule peer poll", zap.String("peer", name), zap.Error(err))
				}
			}
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	app := fiber.New(fiber.Config{AppName: "rvpf-modbus v" + Version})
	app.Use(recover.New())
	app.Use(fiberlog.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	app.Use(metrics.Middleware(m))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"message": "rvpf-modbus", "version": Version, "status": "running"})
	})

	api.SetupRoutes(app, diag)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	go func() {
		zlog.Info("diagnostics server starting", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			zlog.Error("diagnostics server stopped", zap.Error(err))
		}
	}()

	waitForShutdown(zlog, servers)
}

func waitForShutdown(zlog *zap.Logger, servers []*modbus.Server) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	zlog.Info("shutting down")
	for _, srv := range servers {
		srv.Shutdown()
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
