// Package agent assembles the acquisition services: configuration watching,
// the BLE runtime, transport adapters, the device manager and the sample
// sink, supervised as one errgroup.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/ghodss/yaml"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/physic"

	"github.com/opencortex/eeg-agent/internal/blebridge"
	"github.com/opencortex/eeg-agent/internal/configsvc"
	"github.com/opencortex/eeg-agent/internal/detect"
	"github.com/opencortex/eeg-agent/internal/eeg"
	"github.com/opencortex/eeg-agent/internal/ingest"
	"github.com/opencortex/eeg-agent/internal/managersvc"
	"github.com/opencortex/eeg-agent/internal/transport"
	"github.com/opencortex/eeg-agent/internal/transport/bletrans"
	"github.com/opencortex/eeg-agent/internal/transport/hidtrans"
	"github.com/opencortex/eeg-agent/internal/transport/procwrap"
	"github.com/opencortex/eeg-agent/internal/transport/spitrans"
	"github.com/opencortex/eeg-agent/internal/transport/usbtrans"
	"github.com/opencortex/eeg-agent/pkg/bus"
)

type Agent struct {
	config Config
	log    *zap.Logger

	db        *badger.DB
	configSvc *configsvc.Service
	bridge    *blebridge.Bridge
	events    *managersvc.Bus
	sink      ingest.Sink
	manager   *managersvc.Manager
	usb       *usbtrans.Adapter
}

func NewAgent(config Config) (*Agent, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	configSvc := configsvc.New(logger.Named("config"))
	bridge := blebridge.New(logger.Named("ble"))

	// the static registration file also declares the SPI board and the
	// out-of-process endpoints, which must exist before the manager starts
	devCfg, err := readDevicesConfig(config.DeviceConfig)
	if err != nil {
		logger.Warn("device config unreadable, continuing without static devices", zap.Error(err))
	}

	usb := usbtrans.New(logger.Named("usb"))
	adapters := map[eeg.ConnectionKind]transport.Adapter{
		eeg.ConnectionHID: hidtrans.New(logger.Named("hid")),
		eeg.ConnectionUSB: usb,
		eeg.ConnectionBLE: bletrans.New(logger.Named("bletrans"), bridge),
	}
	if len(devCfg.SPI) > 0 {
		board := devCfg.SPI[0]
		if len(devCfg.SPI) > 1 {
			logger.Warn("multiple SPI boards configured, only the first is used",
				zap.String("board", board.ID))
		}
		adapters[eeg.ConnectionSPIGPIO] = spitrans.New(logger.Named("spi"), spitrans.Config{
			Port:    board.Port,
			DRDYPin: board.DRDYPin,
			SpeedHz: physic.Frequency(board.SpeedHz) * physic.Hertz,
		})
	}
	if len(devCfg.Proc) > 0 {
		adapters[eeg.ConnectionProc] = procwrap.New(logger.Named("proc"), devCfg.Proc)
	}

	var sink ingest.Sink
	if config.NATSURL != "" {
		sink, err = ingest.NewNATSSink(logger.Named("nats"), config.NATSURL, config.NATSSubject)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create nats sink: %w", err)
		}
	} else {
		sink = ingest.NewLogSink(logger.Named("sink"))
	}

	events := bus.NewBus[string, managersvc.Event](logger.Named("events"))
	store := managersvc.NewStore(db, time.Now)
	manager := managersvc.New(logger.Named("manager"), adapters, store, sink, events)

	return &Agent{
		config:    config,
		log:       logger,
		db:        db,
		configSvc: configSvc,
		bridge:    bridge,
		events:    events,
		sink:      sink,
		manager:   manager,
		usb:       usb,
	}, nil
}

func (a *Agent) Manager() *managersvc.Manager {
	return a.manager
}

func (a *Agent) Events() *managersvc.Bus {
	return a.events
}

func (a *Agent) Store() *managersvc.Store {
	return managersvc.NewStore(a.db, time.Now)
}

func (a *Agent) Close() error {
	a.usb.Close()
	a.sink.Close()
	return a.db.Close()
}

// Run starts the agent and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	return a.RunWith(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
}

// RunWith starts all services, waits until they are ready, then runs fn.
// When fn returns, the services shut down. CLI commands that need live
// hardware run through here.
func (a *Agent) RunWith(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.bridge.Start(groupCtx)
	})
	if err := a.events.Start(groupCtx); err != nil {
		return err
	}
	group.Go(func() error {
		return a.manager.Start(groupCtx)
	})
	if a.config.MetricsAddr != "" {
		group.Go(func() error {
			return a.serveMetrics(groupCtx)
		})
	}
	group.Go(func() error {
		defer cancel()
		select {
		case <-groupCtx.Done():
			return nil
		case <-a.configSvc.Ready():
		}
		if err := a.registerDeviceConfig(groupCtx); err != nil {
			return err
		}
		select {
		case <-groupCtx.Done():
			return nil
		case <-a.bridge.Ready():
		}
		select {
		case <-groupCtx.Done():
			return nil
		case <-a.manager.Ready():
		}
		return fn(groupCtx)
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

// registerDeviceConfig watches devices.yml and applies static registrations
// on every change. Changes to the SPI and proc sections need a restart: the
// adapters are built at startup.
func (a *Agent) registerDeviceConfig(ctx context.Context) error {
	if a.config.DeviceConfig == "" {
		return nil
	}
	cfg, err := configsvc.Register(a.configSvc, a.config.DeviceConfig, DevicesConfig{}, func(cfg DevicesConfig, err error) {
		if err != nil {
			a.log.Error("failed to parse device config", zap.Error(err))
			return
		}
		a.applyStatics(ctx, cfg)
	})
	if err != nil {
		a.log.Warn("device config not registered", zap.Error(err))
		return nil
	}
	a.applyStatics(ctx, cfg)
	return nil
}

func (a *Agent) applyStatics(ctx context.Context, cfg DevicesConfig) {
	for _, sd := range cfg.Devices {
		desc, ok := detect.Describe(sd.Model, sd.Format, sd.Variant)
		if !ok {
			a.log.Error("unknown model in device config", zap.String("model", sd.Model))
			continue
		}
		if sd.SampleRate > 0 {
			desc.SampleRate = sd.SampleRate
		}
		if sd.PacketSize > 0 {
			desc.PacketSize = sd.PacketSize
		}
		endpoints := make(map[eeg.ConnectionKind]eeg.TransportDescriptor, len(sd.Endpoints))
		for _, td := range sd.Endpoints {
			endpoints[td.Kind] = td
		}
		if err := a.manager.RegisterStatic(ctx, sd.ID, desc, endpoints); err != nil {
			a.log.Error("static device registration failed", zap.String("device", sd.ID), zap.Error(err))
		}
	}
	for _, board := range cfg.SPI {
		desc, _ := detect.Describe("afe8", eeg.FormatRaw24, "")
		err := a.manager.RegisterStatic(ctx, board.ID, desc, map[eeg.ConnectionKind]eeg.TransportDescriptor{
			eeg.ConnectionSPIGPIO: {Kind: eeg.ConnectionSPIGPIO, Path: board.Port},
		})
		if err != nil {
			a.log.Error("spi board registration failed", zap.String("board", board.ID), zap.Error(err))
		}
	}
}

func (a *Agent) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.config.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening", zap.String("addr", a.config.MetricsAddr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func readDevicesConfig(path string) (DevicesConfig, error) {
	var cfg DevicesConfig
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	jsonB, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return cfg, fmt.Errorf("convert yaml: %w", err)
	}
	if err := json.Unmarshal(jsonB, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal: %w", err)
	}
	return cfg, nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}
