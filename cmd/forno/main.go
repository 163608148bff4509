package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/giorgiodidon/controller-forno/cmd/app"
	"github.com/giorgiodidon/controller-forno/internal/adaptive"
	httpctrl "github.com/giorgiodidon/controller-forno/internal/controllers/http"
	modbusctrl "github.com/giorgiodidon/controller-forno/internal/controllers/modbus"
	mqttctrl "github.com/giorgiodidon/controller-forno/internal/controllers/mqtt"
	modbusdrv "github.com/giorgiodidon/controller-forno/internal/drivers/modbus"
	"github.com/giorgiodidon/controller-forno/internal/drivers/sim"
	"github.com/giorgiodidon/controller-forno/internal/kiln"
	"github.com/giorgiodidon/controller-forno/internal/notify"
	"github.com/giorgiodidon/controller-forno/internal/observability"
	"github.com/giorgiodidon/controller-forno/internal/storage"
)

func main() {
	var configPath, programPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.StringVar(&programPath, "program", "", "firing program file to start on boot (.yaml)")
	flag.Parse()

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	store, err := storage.NewFileStore(cfg.Store.Dir, logger.Named("store"))
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}

	var sensor kiln.Sensor
	var actuator kiln.Actuator
	if cfg.Modbus.Enabled {
		client, err := modbusdrv.NewClient(modbusdrv.Config{
			Addr:    cfg.Modbus.Addr,
			UnitID:  cfg.Modbus.UnitID,
			Timeout: time.Duration(cfg.Modbus.TimeoutSeconds * float64(time.Second)),
		}, logger.Named("modbus"))
		if err != nil {
			logger.Fatal("modbus init failed", zap.Error(err))
		}
		defer client.Close()
		sensor, actuator = client, client
		logger.Info("field bus connected", zap.String("addr", cfg.Modbus.Addr))
	} else {
		plant := sim.New(sim.Params{
			AmbientTemperature: cfg.Simulator.AmbientTemperature,
			InitialTemperature: cfg.Simulator.InitialTemperature,
			HeatRate:           cfg.Simulator.HeatRate,
			LossCoefficient:    cfg.Simulator.LossCoefficient,
		})
		sensor, actuator = plant, plant
		logger.Info("running against simulated kiln")
	}

	var notifier kiln.Notifier
	if cfg.Notifier.Enabled {
		n, err := notify.NewMQTT(notify.Config{
			BrokerURL: cfg.Notifier.BrokerURL,
			ClientID:  cfg.Notifier.ClientID,
			BaseTopic: cfg.Notifier.BaseTopic,
			QoS:       cfg.Notifier.QoS,
			Username:  cfg.Notifier.Username,
			Password:  cfg.Notifier.Password,
		}, logger.Named("notify"))
		if err != nil {
			logger.Fatal("notifier init failed", zap.Error(err))
		}
		defer n.Close()
		notifier = n
	}

	loop, err := kiln.NewLoop(cfg.KilnLoopConfig(), sensor, actuator, store, notifier, logger.Named("loop"))
	if err != nil {
		logger.Fatal("loop init failed", zap.Error(err))
	}

	seed := kiln.Gains{Kp: cfg.PID.Kp, Ki: cfg.PID.Ki, Kd: cfg.PID.Kd}
	table, err := adaptive.LoadTable(seed, kiln.DefaultGainLimits(), cfg.Adaptive.TablePath)
	if err != nil {
		logger.Fatal("gain table load failed", zap.Error(err))
	}
	engine := adaptive.NewEngine(table, store, logger.Named("adaptive"))
	loop.SetScheduler(table)
	loop.OnTuningResult(func(res kiln.TuningResult) {
		if err := engine.AdoptResult(res); err != nil {
			logger.Warn("gain table update failed", zap.Error(err))
		}
	})
	loop.SetAdaptive(cfg.Adaptive.Enabled)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })

	if cfg.Controllers.HTTP.Enabled {
		srv := httpctrl.New(loop, engine, cfg.Controllers.HTTP.Addr, cfg.KilnID)
		logger.Info("http controller listening", zap.String("addr", cfg.Controllers.HTTP.Addr))
		g.Go(func() error { return srv.Run(ctx) })
	}
	if cfg.Controllers.MQTT.Enabled {
		ctrl, err := mqttctrl.New(loop, mqttctrl.Config{
			KilnID:          cfg.KilnID,
			BrokerURL:       cfg.Controllers.MQTT.BrokerURL,
			ClientID:        cfg.Controllers.MQTT.ClientID,
			BaseTopic:       cfg.Controllers.MQTT.BaseTopic,
			QoS:             cfg.Controllers.MQTT.QoS,
			RetainSnapshot:  cfg.Controllers.MQTT.RetainSnapshot,
			PublishInterval: time.Duration(cfg.Controllers.MQTT.PublishIntervalSeconds * float64(time.Second)),
			Username:        cfg.Controllers.MQTT.Username,
			Password:        cfg.Controllers.MQTT.Password,
		}, logger.Named("mqtt"))
		if err != nil {
			logger.Fatal("mqtt controller init failed", zap.Error(err))
		}
		g.Go(func() error { return ctrl.Run(ctx) })
	}
	if cfg.Controllers.Modbus.Enabled {
		ctrl, err := modbusctrl.New(loop, modbusctrl.Config{
			KilnID: cfg.KilnID,
			Addr:   cfg.Controllers.Modbus.Addr,
			UnitID: cfg.Controllers.Modbus.UnitID,
		}, logger.Named("modbusctrl"))
		if err != nil {
			logger.Fatal("modbus controller init failed", zap.Error(err))
		}
		g.Go(func() error { return ctrl.Run(ctx) })
	}

	if programPath != "" {
		program, err := kiln.LoadProgramFile(programPath)
		if err != nil {
			logger.Fatal("program file load failed", zap.Error(err))
		}
		runID, err := loop.StartProgram(program)
		if err != nil {
			logger.Fatal("program start failed", zap.Error(err))
		}
		logger.Info("firing program started",
			zap.String("program", program.Name),
			zap.String("run_id", runID))
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("exited", zap.Error(err))
	}
}
