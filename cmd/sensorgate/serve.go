package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sensorgate/internal/acquire"
	"github.com/kalambet/sensorgate/internal/api"
	"github.com/kalambet/sensorgate/internal/cleanup"
	"github.com/kalambet/sensorgate/internal/config"
	"github.com/kalambet/sensorgate/internal/logging"
	"github.com/kalambet/sensorgate/internal/publish"
	"github.com/kalambet/sensorgate/internal/registry"
	"github.com/kalambet/sensorgate/internal/storage"
	"github.com/kalambet/sensorgate/internal/supervisor"
	"github.com/kalambet/sensorgate/internal/upload"
)

const maxAPIConns = 32

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway (foreground)",
	Long: `Run acquisition, upload and cleanup workers under the supervisor
together with the local management API.

Examples:
  sensorgate serve
  sensorgate serve --services battery,upload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("services") {
			services, err := cmd.Flags().GetString("services")
			if err != nil {
				return err
			}
			cfg.Supervisor.Services = services
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("services", "all", "comma-separated workers to run: battery, weather, mqtt, upload, cleanup, publish")
}

// gateway holds the components shared by the workers and the API.
type gateway struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	registry *registry.Registry
	recorder *acquire.Recorder
	cleaner  *cleanup.Cleaner
	uploader *upload.Worker
	sup      *supervisor.Supervisor
}

func runServe(parent context.Context, cfg config.Config) error {
	logger, sync, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer sync()
	slog.SetDefault(logger)
	logger.Info("starting sensorgate", "version", version, "gateway_id", cfg.Gateway.ID, "data_dir", cfg.Storage.DataDir)

	// The only fatal startup failure.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	gw, err := newGateway(cfg, store, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxAPIConns)
	if cfg.Server.APIToken == "" && !isLoopback(cfg.Server.Bind) {
		logger.Warn("management API has no token and is not bound to loopback", "addr", addr)
	}

	srv := &http.Server{
		Handler:           gw.apiHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.sup.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("management API listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("management API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("sensorgate stopped")
	return err
}

func newGateway(cfg config.Config, store *storage.Store, logger *slog.Logger) (*gateway, error) {
	gw := &gateway{cfg: cfg, logger: logger, store: store}

	gw.registry = registry.New(store, registry.Options{
		OfflineThreshold: cfg.Registry.OfflineThreshold,
		AutoDisable:      cfg.Registry.AutoDisable,
		Logger:           logger,
	})
	gw.recorder = acquire.NewRecorder(gw.registry, store, cfg.Registry.AutoRegister, logger)
	gw.cleaner = cleanup.New(store, cleanup.Options{
		RetentionDays:  cfg.Cleanup.RetentionDays,
		Interval:       cfg.Cleanup.Interval,
		AttemptLogDays: cfg.Cleanup.AttemptLogDays,
		Logger:         logger,
	})
	gw.sup = supervisor.New(supervisor.Options{
		RestartDelay:    cfg.Supervisor.RestartDelay,
		MonitorInterval: cfg.Supervisor.MonitorInterval,
		ShutdownGrace:   cfg.Supervisor.ShutdownGrace,
		StallAfter:      cfg.Supervisor.StallAfter,
		Logger:          logger,
	})

	services, err := cfg.Supervisor.EnabledServices()
	if err != nil {
		return nil, err
	}
	if err := gw.addWorkers(services); err != nil {
		return nil, err
	}
	return gw, nil
}

// addWorkers registers every selected and enabled worker with the supervisor.
func (gw *gateway) addWorkers(services map[string]bool) error {
	cfg := gw.cfg
	var added int

	add := func(name string, run supervisor.RunFunc) error {
		if err := gw.sup.Add(name, run); err != nil {
			return err
		}
		added++
		return nil
	}

	if services["battery"] && cfg.Battery.Enabled {
		sampler, err := acquire.NewCommandSampler(cfg.Battery.Command)
		if err != nil {
			return fmt.Errorf("battery sampler: %w", err)
		}
		w := acquire.NewPollWorker(gw.registry, sampler, gw.store, acquire.PollOptions{
			DeviceType:    acquire.TypeBattery,
			Interval:      cfg.Battery.SampleInterval,
			Window:        cfg.Battery.Window,
			Cumulative:    cfg.Battery.Cumulative,
			RefreshEvery:  cfg.Battery.RefreshEvery,
			SampleTimeout: cfg.Battery.SampleTimeout,
			Logger:        gw.logger,
		})
		if err := add("battery", w.Run); err != nil {
			return err
		}
	}

	if services["weather"] && cfg.Weather.Enabled {
		fieldMap, err := config.ParseFieldMap(cfg.Weather.FieldMap)
		if err != nil {
			return err
		}
		ranges, err := config.ParseValueRanges(cfg.Weather.ValueRanges)
		if err != nil {
			return err
		}
		wr := acquire.NewWeatherReceiver(gw.recorder, acquire.WeatherOptions{
			Addr:       cfg.Weather.Addr,
			MaxConns:   cfg.Weather.MaxConns,
			IDKeys:     cfg.Weather.IDKeys,
			DropKeys:   cfg.Weather.DropKeys,
			FieldMap:   fieldMap,
			Required:   cfg.Weather.Required,
			Ranges:     ranges,
			DeviceType: acquire.TypeWeather,
			Logger:     gw.logger,
		})
		if err := add("weather", wr.Run); err != nil {
			return err
		}
	}

	if services["mqtt"] && cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when mqtt is enabled")
		}
		sub := acquire.NewMQTTSubscriber(gw.recorder, acquire.MQTTOptions{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			Topics:     cfg.MQTT.Topics,
			QoS:        byte(cfg.MQTT.QoS),
			DeviceType: cfg.MQTT.DeviceType,
			Logger:     gw.logger,
		})
		if err := add("mqtt", sub.Run); err != nil {
			return err
		}
	}

	if services["publish"] && cfg.Publish.Enabled {
		broker := cfg.Publish.Broker
		if broker == "" {
			broker = cfg.MQTT.Broker
		}
		if broker == "" {
			return errors.New("publish.broker or mqtt.broker is required when publish is enabled")
		}
		pub := publish.New(gw.store, publish.Options{
			Broker:    broker,
			ClientID:  cfg.Publish.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			BaseTopic: cfg.Publish.BaseTopic,
			QoS:       byte(cfg.Publish.QoS),
			Interval:  cfg.Publish.Interval,
			BatchSize: cfg.Publish.BatchSize,
			Logger:    gw.logger,
		})
		if err := add("publish", pub.Run); err != nil {
			return err
		}
	}

	if services["upload"] && cfg.Upload.Enabled {
		if cfg.Upload.URL == "" {
			gw.logger.Warn("upload.url not set, readings will accumulate locally")
		} else {
			sender, err := upload.NewHTTPSender(upload.HTTPOptions{
				URL:         cfg.Upload.URL,
				APIKey:      cfg.Upload.APIKey,
				Timeout:     cfg.Upload.Timeout,
				Encoding:    cfg.Upload.Encoding,
				Compression: cfg.Upload.Compression,
				UserAgent:   "sensorgate/" + version,
			})
			if err != nil {
				return fmt.Errorf("upload sender: %w", err)
			}
			gw.uploader, err = upload.NewWorker(gw.store, sender, upload.Options{
				Source:             cfg.Gateway.ID,
				Interval:           cfg.Upload.Interval,
				BatchSize:          cfg.Upload.BatchSize,
				MaxBatchesPerCycle: cfg.Upload.MaxBatchesPerCycle,
				BackoffInitial:     cfg.Upload.BackoffInitial,
				BackoffMax:         cfg.Upload.BackoffMax,
				Grouping:           cfg.Upload.Grouping,
				Retention:          cfg.Upload.RetentionPolicy,
				Logger:             gw.logger,
			})
			if err != nil {
				return fmt.Errorf("upload worker: %w", err)
			}
			if err := add("upload", gw.uploader.Run); err != nil {
				return err
			}
		}
	}

	if services["cleanup"] && cfg.Cleanup.Enabled {
		if err := add("cleanup", gw.cleaner.Run); err != nil {
			return err
		}
	}

	if added == 0 {
		gw.logger.Warn("no workers enabled, serving the management API only")
	}
	return nil
}

func (gw *gateway) apiHandler() http.Handler {
	deps := api.AppDeps{
		GatewayID: gw.cfg.Gateway.ID,
		Store:     gw.store,
		Registry:  gw.registry,
		Cleaner:   gw.cleaner,
		Token:     gw.cfg.Server.APIToken,
		Workers:   gw.sup.Status,
		Logger:    gw.logger,
	}
	if gw.uploader != nil {
		deps.Upload = gw.uploader.Status
	}
	return api.NewAppHandler(deps)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
