// Command xbee-netdev bridges an XBee mesh radio to a TAP interface.
//
// Usage:
//
//	xbee-netdev [flags] DEVICE [BAUD]
//
// DEVICE is a serial port path under /dev and BAUD a bare number; they may
// appear in either order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/paralin/xbee-netdev/core/nodetable"
	"github.com/paralin/xbee-netdev/core/nodetable/sqlitestore"
	"github.com/paralin/xbee-netdev/device/bridge"
	"github.com/paralin/xbee-netdev/device/runtime"
	"github.com/paralin/xbee-netdev/device/xbee"
	"github.com/paralin/xbee-netdev/transport"
	"github.com/paralin/xbee-netdev/transport/mqtt"
	"github.com/paralin/xbee-netdev/transport/serial"
	"github.com/paralin/xbee-netdev/transport/tap"
)

type options struct {
	device    string
	baud      int
	arpProxy  bool
	up        bool
	logLevel  slog.Level
	nodeDB    string
	debugAddr string
	listPorts bool

	mqttBroker string
	mqttPrefix string
	mqttUser   string
	mqttPass   string
	mqttTLS    bool
}

var errUsage = errors.New("usage: xbee-netdev [flags] /dev/ttyUSB0 [115200]")

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{baud: serial.DefaultBaudRate}

	fs := flag.NewFlagSet("xbee-netdev", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.arpProxy, "arp-proxy", false, "Answer ARP requests for the interface address locally")
	fs.BoolVar(&opts.up, "up", false, "Bring the interface up after creating it")
	fs.TextVar(&opts.logLevel, "log-level", slog.LevelInfo, "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.nodeDB, "node-db", "", "SQLite file persisting the node table")
	fs.StringVar(&opts.debugAddr, "debug-addr", "", "Listen address for /debug/ pages")
	fs.BoolVar(&opts.listPorts, "list-ports", false, "List serial ports and exit")
	fs.StringVar(&opts.mqttBroker, "mqtt-broker", "", "MQTT broker URL for bridge events")
	fs.StringVar(&opts.mqttPrefix, "mqtt-prefix", mqtt.DefaultTopicPrefix, "MQTT topic prefix")
	fs.StringVar(&opts.mqttUser, "mqtt-user", "", "MQTT username")
	fs.StringVar(&opts.mqttPass, "mqtt-pass", "", "MQTT password")
	fs.BoolVar(&opts.mqttTLS, "mqtt-tls", false, "Use TLS for the MQTT connection")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.listPorts {
		return opts, nil
	}

	for _, arg := range fs.Args() {
		if strings.HasPrefix(arg, "/dev") {
			opts.device = arg
			continue
		}
		if baud, err := strconv.ParseUint(arg, 0, 32); err == nil && baud > 0 {
			opts.baud = int(baud)
		}
	}
	if opts.device == "" {
		return nil, errUsage
	}
	return opts, nil
}

// eventSink publishes runtime events over MQTT.
type eventSink struct {
	pub *mqtt.Publisher
	log *slog.Logger
}

func (s *eventSink) NodeDiscovered(name string, node nodetable.Entry, isNew bool) {
	if err := s.pub.PublishNode(name, node, isNew); err != nil {
		s.log.Debug("publishing node event", "error", err)
	}
}

func (s *eventSink) StateChanged(name string, state runtime.State, cause error) {
	if err := s.pub.PublishState(name, state.String(), cause); err != nil {
		s.log.Debug("publishing state event", "error", err)
	}
}

func openTunnel(up bool, logger *slog.Logger) runtime.TunnelFactory {
	return func(name string, hw net.HardwareAddr, mtu int) (transport.Tunnel, error) {
		dev, err := tap.Open(tap.Config{Name: name, HardwareAddr: hw, MTU: mtu, Up: up, Logger: logger})
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}

func run(ctx context.Context, opts *options, logger *slog.Logger) error {
	if opts.listPorts {
		ports, err := serial.ListPorts()
		if err != nil {
			return fmt.Errorf("listing serial ports: %w", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	}

	port := serial.New(serial.Config{Port: opts.device, BaudRate: opts.baud, Logger: logger})
	dev := xbee.New(port, xbee.Config{Logger: logger})
	port.SetByteHandler(dev.HandleBytes)
	if err := port.Start(ctx); err != nil {
		return err
	}

	cfg := runtime.Config{
		Name:       serial.PortName(opts.device),
		Bridge:     bridge.Config{ARPProxy: opts.arpProxy},
		OpenTunnel: openTunnel(opts.up, logger),
		Logger:     logger,
	}
	cfg.InterfaceName = tap.InterfaceName(cfg.Name)

	if opts.nodeDB != "" {
		store, err := sqlitestore.Open(ctx, opts.nodeDB)
		if err != nil {
			port.Stop()
			return err
		}
		defer store.Close()
		cfg.Store = store
	}

	if opts.mqttBroker != "" {
		pub := mqtt.New(mqtt.Config{
			Broker:      opts.mqttBroker,
			Username:    opts.mqttUser,
			Password:    opts.mqttPass,
			UseTLS:      opts.mqttTLS,
			TopicPrefix: opts.mqttPrefix,
			Logger:      logger,
		})
		if err := pub.Start(ctx); err != nil {
			logger.Warn("MQTT unavailable, continuing without events", "error", err)
		} else {
			defer pub.Stop()
			cfg.Events = &eventSink{pub: pub, log: logger}
		}
	}

	registry := runtime.NewRegistry()
	defer registry.CloseAll()

	rt := runtime.New(dev, port, cfg)
	if err := registry.Attach(rt); err != nil {
		rt.Close()
		return err
	}

	if opts.debugAddr != "" {
		mux := http.NewServeMux()
		registry.AttachAdminRoutes(mux)
		srv := &http.Server{Addr: opts.debugAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}
	if err := rt.Wait(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, runtime.ErrCanceled) {
			return nil
		}
		logger.Error("couldn't contact the radio, make sure it is an XBee and the baud rate is correct",
			"device", opts.device, "baud", opts.baud)
		return err
	}

	logger.Info("bridge running", "interface", rt.Tunnel().Name(), "address", dev.Address())
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("exiting", "error", err)
		stop()
		os.Exit(1)
	}
}
