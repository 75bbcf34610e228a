package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mil-ad/rfkilld/internal/httpapi"
	"github.com/mil-ad/rfkilld/internal/logger"
	"github.com/mil-ad/rfkilld/internal/mqtt"
	"github.com/mil-ad/rfkilld/internal/rfkill"
	"github.com/mil-ad/rfkilld/internal/telemetry"
)

// ipcTimeout bounds a whole request/response exchange on the socket.
var ipcTimeout = 5 * time.Second

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "rfkilld.sock")
}

type statusReporter interface {
	Status() rfkill.Status
}

type daemon struct {
	mon       statusReporter
	preferred string
	log       zerolog.Logger

	mu     sync.RWMutex
	latest rfkill.Update

	// Called in order from the dispatch goroutine for every update.
	sinks []func(rfkill.Update)
}

func newDaemon(mon statusReporter, preferred string, log zerolog.Logger) *daemon {
	return &daemon{
		mon:       mon,
		preferred: preferred,
		log:       logger.WithComponent(log, "ipc"),
		latest:    rfkill.Update{State: rfkill.StateClosed},
	}
}

// Latest returns the most recent update seen by dispatch.
func (d *daemon) Latest() rfkill.Update {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.latest
}

func (d *daemon) Status() rfkill.Status { return d.mon.Status() }

func (d *daemon) handleRequest(req IPCRequest) IPCResponse {
	u := d.Latest()
	st := d.Status()

	switch req.Command {
	case "status":
		return IPCResponse{
			Connection: &st,
			Stale:      st.State != rfkill.StateOpen,
			Devices:    u.Snapshot.Devices(),
			Preferred:  d.preferred,
		}

	case "device":
		key := req.Device
		if key == "" {
			key = d.preferred
		}
		if key == "" {
			return IPCResponse{Error: "device name or index is required (no preferred device configured)"}
		}
		dev, ok := u.Snapshot.Find(key)
		if !ok {
			return IPCResponse{Error: fmt.Sprintf("unknown device %q", key)}
		}
		return IPCResponse{Connection: &st, Stale: st.State != rfkill.StateOpen, Device: &dev}

	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}

func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(ipcTimeout)); err != nil {
		d.log.Debug().Err(err).Msg("set deadline")
		return
	}

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	resp := d.handleRequest(req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.log.Debug().Err(err).Msg("write response")
	}
}

// dispatch records each update and hands it to the sinks until ctx ends.
func (d *daemon) dispatch(ctx context.Context, updates <-chan rfkill.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			d.mu.Lock()
			d.latest = u
			d.mu.Unlock()
			for _, sink := range d.sinks {
				sink(u)
			}
		}
	}
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	telemetry.InitMetrics()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mon := rfkill.NewMonitor(cfg.monitorConfig(), log)
	d := newDaemon(mon, cfg.Preferred, log)

	if cfg.DBus.Enabled {
		svc, err := newDBusService(cfg.DBus, log)
		if err != nil {
			return err
		}
		defer svc.close()
		d.sinks = append(d.sinks, svc.applyUpdate)
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, log)
		if err != nil {
			return err
		}
		defer client.Close()
		d.sinks = append(d.sinks, func(u rfkill.Update) {
			if err := client.PublishUpdate(u); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
				log.Warn().Err(err).Msg("mqtt publish")
			}
		})
	}

	if cfg.HTTP.Listen != "" {
		srv := httpapi.New(d, log)
		d.sinks = append(d.sinks, srv.Broadcast)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
				log.Error().Err(err).Msg("http server")
				cancel()
			}
		}()
	}

	sock := socketPath()
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		d.dispatch(ctx, mon.Updates())
	}()
	mon.Start()

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		ln.Close()
	}()

	log.Info().Str("socket", sock).Str("node", cfg.Node.Path).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			break
		}
		go d.handleConn(conn)
	}

	mon.Stop()
	<-dispatched
	return nil
}
