// Command iotcore runs the MQTT broker and, optionally, one Modbus master
// polling loop bridged onto it, sharing one process lifetime.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ironvale/iotcore/engine"
	"github.com/ironvale/iotcore/modbus"
	"github.com/ironvale/iotcore/network"
	"github.com/ironvale/iotcore/pkg/logger"
	"github.com/ironvale/iotcore/session"
	"github.com/ironvale/iotcore/store"
	"github.com/ironvale/iotcore/types/message"
)

func main() {
	var (
		addr           = flag.String("addr", ":1883", "MQTT listen address")
		metricsAddr    = flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
		allowAnonymous = flag.Bool("allow-anonymous", true, "accept CONNECT packets with no username/password")
		sessionBackend = flag.String("session-store", "memory", "session store backend: memory, pebble, redis")
		pebblePath     = flag.String("pebble-path", "./iotcore-sessions", "data directory when -session-store=pebble")
		redisAddr      = flag.String("redis-addr", "127.0.0.1:6379", "Redis address when -session-store=redis")
		modbusConfig   = flag.String("modbus-config", "", "path to a Modbus master config JSON file; omit to run broker-only")
		modbusAddr     = flag.String("modbus-addr", "", "Modbus slave link address (host:port), required with -modbus-config")
		modbusTopic    = flag.String("modbus-topic-prefix", "modbus", "MQTT topic prefix snapshots are bridged onto")
		sentryDSN      = flag.String("sentry-dsn", "", "Sentry DSN; omit to disable error reporting")

		retainedBackend = flag.String("retained-store", "memory", "durable backing for retained messages: memory, pebble, redis")
		retainedPath    = flag.String("retained-pebble-path", "./iotcore-retained", "data directory when -retained-store=pebble")
		retainedRedis   = flag.String("retained-redis-addr", "127.0.0.1:6379", "Redis address when -retained-store=redis")

		rateLimitPerClient = flag.Int("rate-limit-per-client", 0, "max PUBLISHes per client per -rate-limit-window; 0 disables rate limiting")
		rateLimitWindow    = flag.Duration("rate-limit-window", time.Minute, "rate limit window when -rate-limit-per-client is set")

		tlsCert = flag.String("tls-cert", "", "TLS certificate file; set with -tls-key to serve MQTT over TLS")
		tlsKey  = flag.String("tls-key", "", "TLS key file; set with -tls-cert to serve MQTT over TLS")

		shutdownTimeout = flag.Duration("shutdown-timeout", 10*time.Second, "time to give connected clients a DISCONNECT before forcing sockets closed")
	)
	flag.Parse()

	log := logger.NewSlogLogger(slog.LevelInfo, os.Stdout)

	reportErrors := *sentryDSN != ""
	if reportErrors {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *sentryDSN}); err != nil {
			log.Error("failed to initialize sentry", "error", err)
			reportErrors = false
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	sessStore, err := newSessionStore(*sessionBackend, *pebblePath, *redisAddr)
	if err != nil {
		log.Error("failed to open session store", "backend", *sessionBackend, "error", err)
		os.Exit(1)
	}

	retainedBacking, err := newRetainedBacking(*retainedBackend, *retainedPath, *retainedRedis)
	if err != nil {
		log.Error("failed to open retained message store", "backend", *retainedBackend, "error", err)
		os.Exit(1)
	}

	broker := engine.NewBroker(engine.BrokerConfig{
		SessionStore:       sessStore,
		AllowAnonymous:     *allowAnonymous,
		ReportErrors:       reportErrors,
		RetainedBacking:    retainedBacking,
		RateLimitPerClient: *rateLimitPerClient,
		RateLimitWindow:    *rateLimitWindow,
	}, log)

	pool, err := network.NewPool(network.DefaultPoolConfig())
	if err != nil {
		log.Error("failed to build connection pool", "error", err)
		os.Exit(1)
	}

	listenerConfig := network.DefaultListenerConfig(*addr)
	if *tlsCert != "" && *tlsKey != "" {
		tc := network.DefaultTLSConfig()
		tc.CertFile = *tlsCert
		tc.KeyFile = *tlsKey
		tlsConfig, err := tc.Build()
		if err != nil {
			log.Error("failed to build TLS config", "error", err)
			os.Exit(1)
		}
		listenerConfig.TLSConfig = tlsConfig
	}
	listener, err := network.NewListener(listenerConfig, pool)
	if err != nil {
		log.Error("failed to build listener", "error", err)
		os.Exit(1)
	}

	eng := engine.NewEngine(broker, listener, 4096).WithGracefulShutdown(pool, *shutdownTimeout)

	if *modbusConfig != "" {
		master, err := loadModbusMaster(*modbusConfig, *modbusAddr, log)
		if err != nil {
			log.Error("failed to load modbus config", "path", *modbusConfig, "error", err)
			os.Exit(1)
		}
		engine.NewModbusBridge(broker, *modbusTopic).Attach(master)
		eng.AddModbusMaster(master)
	}

	go serveMetrics(*metricsAddr, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("iotcore starting", "mqtt_addr", *addr, "metrics_addr", *metricsAddr)
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("engine exited", "error", err)
		os.Exit(1)
	}
}

func newSessionStore(backend, pebblePath, redisAddr string) (session.Store, error) {
	switch backend {
	case "pebble":
		return session.NewPebbleStore(session.PebbleStoreConfig{Path: pebblePath})
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{Addr: redisAddr})
	default:
		return session.NewMemoryStore(), nil
	}
}

// newRetainedBacking returns nil for the memory backend: a nil
// store.Store[*message.Message] tells Broker to keep retained messages
// in-memory only, with no durability across restarts.
func newRetainedBacking(backend, pebblePath, redisAddr string) (store.Store[*message.Message], error) {
	switch backend {
	case "pebble":
		return store.NewPebbleStore[*message.Message](store.PebbleStoreConfig{Path: pebblePath, Prefix: "retained:"})
	case "redis":
		return store.NewRedisStore[*message.Message](store.RedisStoreConfig{Addr: redisAddr, Prefix: "retained:"})
	default:
		return nil, nil
	}
}

func loadModbusMaster(path, addr string, log *logger.SlogLogger) (*engine.ModbusMaster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg modbus.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return engine.NewModbusMaster(addr, cfg, cfg.TimeoutPolling, cfg.TimeoutResponse, log)
}

func serveMetrics(addr string, log *logger.SlogLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}
