package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/validana-io/vserver/pkg/admin"
	"github.com/validana-io/vserver/pkg/basics"
	"github.com/validana-io/vserver/pkg/cache"
	"github.com/validana-io/vserver/pkg/config"
	"github.com/validana-io/vserver/pkg/events"
	"github.com/validana-io/vserver/pkg/metrics"
	"github.com/validana-io/vserver/pkg/notifylistener"
	"github.com/validana-io/vserver/pkg/protocol"
	"github.com/validana-io/vserver/pkg/protocol/httpproto"
	"github.com/validana-io/vserver/pkg/protocol/wsproto"
	"github.com/validana-io/vserver/pkg/store"
	"github.com/validana-io/vserver/pkg/transport"
)

// apiVersion is the sole API version this reference deployment serves;
// the VersionRegistry supports more, but basics only registers verbs
// under one.
const apiVersion = "v1"

// contractsSweepPeriod is how often fully expired contract-cache
// entries are removed; the sweep start is jittered to keep workers out
// of lockstep.
const contractsSweepPeriod = 10 * time.Minute

// RunWorker is the worker-side entrypoint: one OS process owning its own
// store connections, protocol stack and listening sockets, reporting
// heartbeats to the master over fd 3 until told to shut down. id is
// this worker's VSERVER_WORKER_ID. Returns the process exit code.
func RunWorker(ctx context.Context, id int32, reg *config.Registry, log *slog.Logger) int {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("worker", id)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, dbConfigFrom(reg))
	if err != nil {
		log.Error("worker: failed to open store", "error", err)
		return 1
	}
	defer st.Pool.Close()

	eventReg := events.NewRegistry()

	connString := dbConfigFrom(reg).ConnString()
	listener := notifylistener.New(connString, st, eventReg, log)
	go listener.Run(ctx)

	workerCount := config.ResolveWorkerCount(reg.GetInt(config.KeyWorkers))
	agg := metrics.New(id)
	exporter := metrics.NewExporter()
	metricsInterval := time.Duration(reg.GetNumber(config.KeyMetricsInterval)) * time.Second
	if metricsInterval > 0 {
		go agg.SyncLoop(ctx, st, metricsInterval, func() []int32 {
			ids := make([]int32, workerCount)
			for i := range ids {
				ids[i] = int32(i)
			}
			return ids
		}, log)
	}

	cachingEnabled := func() bool { return reg.GetBool(config.KeyCaching) }
	contracts := cache.New("contracts", cachingEnabled)
	contracts.StartSweep(ctx, contractsSweepPeriod)

	versions := protocol.NewVersionRegistry(eventReg)
	dispatcher := versions.Version(apiVersion)
	dispatcher.Use(func(d *protocol.Dispatcher) {
		basics.Register(d, basics.Deps{
			Store:          st,
			Events:         eventReg,
			Contracts:      contracts,
			Exporter:       exporter,
			MetricsEnabled: func() bool { return metricsInterval > 0 },
			MetricsToken:   reg.GetString(config.KeyMetricsToken),
		})
	})

	httpHandler := &httpproto.Handler{
		Versions:       versions,
		MaxPayloadSize: int64(reg.GetNumber(config.KeyMaxPayloadSize)),
		Logger:         log,
		Metrics:        agg,
	}
	wsManager := wsproto.NewManager(time.Duration(reg.GetNumber(config.KeyTimeout)) * time.Second)
	wsManager.Metrics = agg
	go wsManager.Run(ctx)
	wsHandler := &wsproto.Handler{
		Versions: versions,
		Manager:  wsManager,
		Logger:   log,
		Metrics:  agg,
	}

	servers, err := startProtocolServers(ctx, reg, log, httpHandler, wsHandler)
	if err != nil {
		log.Error("worker: failed to start listening servers", "error", err)
		return 1
	}

	var adminSrv *admin.Server
	if adminPort := reg.GetInt(config.KeyAdminPort); adminPort > 0 {
		adminSrv = admin.New(st)
		addr := fmt.Sprintf(":%d", adminPort)
		go func() {
			if err := adminSrv.Start(addr); err != nil {
				log.Error("admin server stopped", "error", err)
			}
		}()
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go runHeartbeatLoop(hbCtx, os.NewFile(heartbeatFD, "heartbeat"))
	go reportMemoryLoop(hbCtx, agg)

	<-ctx.Done()
	log.Info("worker: shutdown requested, draining")

	// Open WebSocket sessions are told the server is going away before
	// the listeners stop accepting, so slow peers get their 1001 close
	// frame rather than a torn socket.
	wsManager.CloseAll(websocket.StatusGoingAway, "server shutting down")
	for _, srv := range servers {
		srv.Shutdown(true)
	}
	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminSrv.Shutdown(shutdownCtx)
		cancel()
	}
	hbCancel()
	log.Info("worker: exited cleanly")
	return 0
}

// reportMemoryLoop mirrors the heartbeat payload into this worker's own
// metrics aggregator, so "memory" shows up in the exported snapshot the
// same way it shows up in the supervisor's liveness check.
func reportMemoryLoop(ctx context.Context, agg *metrics.Aggregator) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agg.SetMemory(residentMemoryMB())
		}
	}
}

func dbConfigFrom(reg *config.Registry) store.Config {
	return store.Config{
		User:           reg.GetString(config.KeyDBUser),
		Password:       reg.GetString(config.KeyDBPassword),
		Name:           reg.GetString(config.KeyDBName),
		Host:           reg.GetString(config.KeyDBHost),
		Port:           reg.GetInt(config.KeyDBPort),
		MinConnections: int32(reg.GetInt(config.KeyDBMinConnections)),
		MaxConnections: int32(reg.GetInt(config.KeyDBMaxConnections)),
	}
}

// startProtocolServers instantiates the HTTP and WebSocket protocols,
// sharing one listening server when HTTPPORT equals WSPORT, and
// returns every transport.Server started so the caller can shut them
// down together.
func startProtocolServers(ctx context.Context, reg *config.Registry, log *slog.Logger, httpHandler *httpproto.Handler, wsHandler *wsproto.Handler) ([]*transport.Server, error) {
	tlsEnabled := reg.GetBool(config.KeyTLS)
	certPath := reg.GetString(config.KeyCertPath)
	keyPath := reg.GetString(config.KeyKeyPath)
	httpPort := reg.GetInt(config.KeyHTTPPort)
	wsPort := reg.GetInt(config.KeyWSPort)

	// transport.Server's Handler (raw-conn) is unused once ServeHTTP
	// takes over; New still requires one to construct the cert store.
	noopHandler := func(context.Context, net.Conn) {}

	var servers []*transport.Server

	if httpPort == wsPort {
		srv, err := transport.New(transport.Config{
			Addr:       fmt.Sprintf(":%d", httpPort),
			TLSEnabled: tlsEnabled,
			CertPath:   certPath,
			KeyPath:    keyPath,
			Logger:     log,
		}, noopHandler)
		if err != nil {
			return nil, fmt.Errorf("supervisor: shared server: %w", err)
		}
		mux := muxHTTPAndWS(httpHandler, wsHandler)
		go func() {
			if err := srv.ServeHTTP(ctx, mux); err != nil && ctx.Err() == nil {
				log.Error("shared http/ws server stopped", "error", err)
			}
		}()
		servers = append(servers, srv)
		return servers, nil
	}

	httpSrv, err := transport.New(transport.Config{
		Addr:       fmt.Sprintf(":%d", httpPort),
		TLSEnabled: tlsEnabled,
		CertPath:   certPath,
		KeyPath:    keyPath,
		Logger:     log,
	}, noopHandler)
	if err != nil {
		return nil, fmt.Errorf("supervisor: http server: %w", err)
	}
	go func() {
		if err := httpSrv.ServeHTTP(ctx, httpHandler); err != nil && ctx.Err() == nil {
			log.Error("http server stopped", "error", err)
		}
	}()
	servers = append(servers, httpSrv)

	wsSrv, err := transport.New(transport.Config{
		Addr:       fmt.Sprintf(":%d", wsPort),
		TLSEnabled: tlsEnabled,
		CertPath:   certPath,
		KeyPath:    keyPath,
		Logger:     log,
	}, noopHandler)
	if err != nil {
		return nil, fmt.Errorf("supervisor: ws server: %w", err)
	}
	go func() {
		if err := wsSrv.ServeHTTP(ctx, wsHandler); err != nil && ctx.Err() == nil {
			log.Error("ws server stopped", "error", err)
		}
	}()
	servers = append(servers, wsSrv)

	return servers, nil
}

// muxHTTPAndWS dispatches by the Upgrade header so one listening server
// can serve both the REST and WebSocket surfaces.
func muxHTTPAndWS(h *httpproto.Handler, ws *wsproto.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			ws.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
