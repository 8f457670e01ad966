package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/teleop.link/internal/api"
	"github.com/banshee-data/teleop.link/internal/config"
	"github.com/banshee-data/teleop.link/internal/db"
	"github.com/banshee-data/teleop.link/internal/mailbox"
	"github.com/banshee-data/teleop.link/internal/metrics"
	"github.com/banshee-data/teleop.link/internal/monitoring"
	"github.com/banshee-data/teleop.link/internal/network"
	"github.com/banshee-data/teleop.link/internal/protocol"
	"github.com/banshee-data/teleop.link/internal/relay"
	"github.com/banshee-data/teleop.link/internal/serialmux"
	"github.com/banshee-data/teleop.link/internal/session"
	"github.com/banshee-data/teleop.link/internal/version"
)

// splitListen parses "host:port" or ":port".
func splitListen(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return host, port, nil
}

// openActuator returns the admin-facing actuator and the sink the relay
// writes frames to. They are the same object except for the udp kind.
func openActuator(cfg *config.Config) (serialmux.Actuator, relay.FrameWriter, func(), error) {
	switch cfg.GetActuatorKind() {
	case config.ActuatorSerial:
		opts := cfg.GetSerialOptions()
		mux, err := serialmux.NewRealSerialMux(cfg.GetActuatorPort(), opts)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open actuator serial port: %w", err)
		}
		return mux, mux, func() {}, nil

	case config.ActuatorUDP:
		sink, err := relay.NewUDPSink(cfg.GetActuatorUDPAddress())
		if err != nil {
			return nil, nil, nil, err
		}
		return serialmux.NewDisabledSerialMux(), sink, func() { sink.Close() }, nil

	default:
		d := serialmux.NewDisabledSerialMux()
		return d, d, func() {}, nil
	}
}

// effectiveConfig is the resolved configuration served at /api/config.
type effectiveConfig struct {
	DeviceLabel        string `json:"device_label"`
	ListenAddress      string `json:"listen_address"`
	MaxDatagramBytes   int    `json:"max_datagram_bytes"`
	PollInterval       string `json:"poll_interval"`
	SessionTimeout     string `json:"session_timeout"`
	MotorFailsafe      string `json:"motor_failsafe"`
	DisplayTakeTimeout string `json:"display_take_timeout"`
	Actuator           string `json:"actuator"`
	AdminListen        string `json:"admin_listen"`
	DBPath             string `json:"db_path"`
}

func newEffectiveConfig(cfg *config.Config) effectiveConfig {
	actuator := cfg.GetActuatorKind()
	switch actuator {
	case config.ActuatorSerial:
		opts, _ := cfg.GetSerialOptions().Normalise()
		actuator = fmt.Sprintf("serial %s %s", cfg.GetActuatorPort(), opts)
	case config.ActuatorUDP:
		actuator = "udp " + cfg.GetActuatorUDPAddress()
	}
	return effectiveConfig{
		DeviceLabel:        cfg.GetDeviceLabel(),
		ListenAddress:      cfg.GetListenAddress(),
		MaxDatagramBytes:   cfg.GetMaxDatagramBytes(),
		PollInterval:       cfg.GetPollInterval().String(),
		SessionTimeout:     cfg.GetSessionTimeout().String(),
		MotorFailsafe:      cfg.GetMotorFailsafe().String(),
		DisplayTakeTimeout: cfg.GetDisplayTakeTimeout().String(),
		Actuator:           actuator,
		AdminListen:        cfg.GetAdminListen(),
		DBPath:             cfg.GetDBPath(),
	}
}

// run starts every loop and blocks until a signal or a fatal listener error.
// It returns the process exit code.
func run(cfg *config.Config) int {
	if path := cfg.GetLogFile(); path != "" {
		closer := monitoring.UseRotatingFile(monitoring.RotatingFileOptions{Path: path, Compress: true})
		defer closer.Close()
	}
	log.Printf("teleop %s starting as %q", version.String(), cfg.GetDeviceLabel())

	m := metrics.New()

	actuator, sink, closeSink, err := openActuator(cfg)
	if err != nil {
		log.Printf("Failed to open actuator: %v", err)
		return 1
	}
	defer actuator.Close()
	defer closeSink()
	log.Printf("Actuator: %s", newEffectiveConfig(cfg).Actuator)

	var database *db.DB
	var events session.EventSink
	var writer *db.EventWriter
	if path := cfg.GetDBPath(); path != "" {
		database, err = db.NewDB(path)
		if err != nil {
			log.Printf("Failed to open session event database: %v", err)
			return 1
		}
		defer database.Close()
		writer = db.NewEventWriter(database, db.DefaultEventQueue, m)
		events = writer
	}

	actuatorBox := mailbox.New[protocol.Snapshot](nil)
	displayBox := mailbox.New[protocol.Snapshot](nil)
	statusBox := mailbox.New[session.Status](nil)

	arb := session.NewArbitrator(session.Config{
		Controls: mailbox.Fanout[protocol.Snapshot]{actuatorBox, displayBox},
		Status:   statusBox,
		Events:   events,
		Metrics:  m,
		Timeout:  cfg.GetSessionTimeout(),
	})
	listener := network.NewListener(network.ListenerConfig{
		Address:      cfg.GetListenAddress(),
		MaxDatagram:  cfg.GetMaxDatagramBytes(),
		PollInterval: cfg.GetPollInterval(),
		Handler:      arb,
		Metrics:      m,
	})
	frames := relay.New(relay.Config{
		Source:   actuatorBox,
		Sink:     sink,
		Failsafe: cfg.GetMotorFailsafe(),
		Metrics:  m,
	})
	controls := api.NewControlsView(displayBox, cfg.GetDisplayTakeTimeout(), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	exitCode := 0

	// control listener, arbitrator and watchdog
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := listener.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Control listener failed: %v", err)
			exitCode = 1
			stop()
			return
		}
		log.Print("listener routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		frames.Run(ctx)
		log.Print("relay routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		controls.Run(ctx)
		log.Print("controls view routine terminated")
	}()

	if writer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			writer.Run(ctx)
			log.Print("event writer routine terminated")
		}()
	}

	// read-back from the actuator
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := actuator.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor actuator: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := actuator.Subscribe()
		defer actuator.Unsubscribe(id)
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				monitoring.Logf("actuator: %s", line)
			case <-ctx.Done():
				return
			}
		}
	}()

	if addr := cfg.GetAdminListen(); addr != "" {
		srv := api.Config{
			DeviceLabel: cfg.GetDeviceLabel(),
			Status:      statusBox,
			Controls:    controls,
			Metrics:     m,
			Settings:    newEffectiveConfig(cfg),
		}
		if database != nil {
			srv.Events = database
		}
		mux := api.NewServer(srv).ServeMux()
		actuator.AttachAdminRoutes(mux)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, addr, api.LoggingMiddleware(mux))
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
	return exitCode
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server failed: %v", err)
		}
	}()
	log.Printf("Admin API listening on %s", addr)

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
