package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kcz17/latcontrol/config"
	"github.com/kcz17/latcontrol/controller"
	"github.com/kcz17/latcontrol/logging"
	"github.com/kcz17/latcontrol/monitoring/timing"
	"github.com/kcz17/latcontrol/serving"
	"github.com/kcz17/latcontrol/sim"
	"github.com/kcz17/latcontrol/transport"
	"github.com/kcz17/latcontrol/transport/canbus"
	"github.com/kcz17/latcontrol/transport/queue"
)

// queueBuffer is the number of commands held for the command queue while
// Redis is slow, about 2.5s at 100Hz.
const queueBuffer = 256

func main() {
	conf := config.ReadConfig()

	logger := initLogger(conf)

	pidConfig, err := conf.Controller.Build()
	if err != nil {
		log.Fatalf("error: could not build controller configuration: err = %v", err)
	}
	clock := controller.NewRealtimeClock()
	pid, err := controller.NewPIDController(clock, pidConfig)
	if err != nil {
		log.Fatalf("error: expected controller.NewPIDController() returns nil err; got err = %v", err)
	}

	period := time.Duration(float64(time.Second) / *conf.Controller.RateHz)
	source, sink, closers := initTransport(conf, *conf.Controller.RateHz)

	collector := initCollector(conf)
	controlLoop, err := serving.NewControlLoop(&serving.ControlLoopOptions{
		Logger:    logger,
		Clock:     clock,
		PID:       pid,
		Source:    source,
		Sink:      sink,
		Collector: collector,
		Period:    period,
		Deadzone:  *conf.Controller.Deadzone,
		LogEvery:  *conf.Loop.LogEvery,
	})
	if err != nil {
		log.Fatalf("error: expected serving.NewControlLoop() returns nil err; got err = %v", err)
	}

	server := serving.NewServer(&serving.ServerOptions{
		Logger:      logger,
		ControlLoop: controlLoop,
		APIAddr:     *conf.API.Addr,
		Closers:     closers,
	})

	// done is closed once shutdown has flushed the logger and closed the
	// transports, so the process never exits part way through.
	done := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer close(done)
		<-signals
		log.Printf("shutting down\n")
		if err := server.Shutdown(); err != nil {
			log.Printf("error during shutdown: %v\n", err)
		}
	}()

	log.Printf("control loop running at %.0fHz; admin api listening on %s\n", *conf.Controller.RateHz, *conf.API.Addr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("error: %v", err)
	}
	<-done
}

func initLogger(conf *config.Config) logging.Logger {
	switch *conf.Logging.Driver {
	case "noop":
		return logging.NewNoopLogger()
	case "stdout":
		return logging.NewStdoutLogger()
	case "file":
		return logging.NewFileLogger(
			*conf.Logging.File.Path,
			*conf.Logging.File.MaxSizeMB,
			*conf.Logging.File.MaxBackups,
			*conf.Logging.File.MaxAgeDays,
		)
	case "influxdb":
		return logging.NewInfluxDBLogger(
			*conf.Logging.InfluxDB.Host,
			*conf.Logging.InfluxDB.Token,
			*conf.Logging.InfluxDB.Org,
			*conf.Logging.InfluxDB.Bucket,
		)
	case "redis":
		return logging.NewRedisLogger(
			*conf.Logging.Redis.Addr,
			*conf.Logging.Redis.Password,
			*conf.Logging.Redis.DB,
			*conf.Logging.Redis.Channel,
		)
	default:
		log.Fatalf("error: expected logging driver one of {noop, stdout, file, influxdb, redis}; got %s", *conf.Logging.Driver)
		return nil
	}
}

func initCollector(conf *config.Config) timing.Collector {
	switch *conf.Loop.Collector {
	case "tachymeter":
		return timing.NewTachymeterCollector(*conf.Loop.CollectorWindow)
	case "array":
		collector, err := timing.NewArrayCollector(*conf.Loop.CollectorWindow)
		if err != nil {
			log.Fatalf("error: %v", err)
		}
		return collector
	default:
		log.Fatalf("error: expected loop collector one of {tachymeter, array}; got %s", *conf.Loop.Collector)
		return nil
	}
}

// initTransport returns the reading source, the command sink and the
// resources to close on shutdown.
func initTransport(conf *config.Config, rateHz float64) (transport.Source, transport.Sink, []io.Closer) {
	var source transport.Source
	var sink transport.Sink
	var closers []io.Closer

	switch *conf.Transport.Driver {
	case "sim":
		s := conf.Transport.Sim
		vehicle, err := sim.NewVehicle(sim.Config{
			Gain:          *s.Gain,
			TimeConstant:  *s.TimeConstant,
			NoiseStdDev:   *s.NoiseStdDev,
			Amplitude:     *s.Amplitude,
			SetpointCycle: *s.SetpointCycle,
			Speed:         *s.Speed,
			RateHz:        rateHz,
		})
		if err != nil {
			log.Fatalf("error: could not create simulated vehicle: err = %v", err)
		}
		source, sink = vehicle, vehicle
	case "can":
		c := conf.Transport.CAN
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		canSource, err := canbus.DialSource(ctx, *c.Interface, *c.StateID, time.Duration(*c.StaleAfterMs)*time.Millisecond)
		if err != nil {
			log.Fatalf("error: could not open can source on %s: err = %v", *c.Interface, err)
		}
		canSink, err := canbus.DialSink(ctx, *c.Interface, *c.CommandID)
		if err != nil {
			log.Fatalf("error: could not open can sink on %s: err = %v", *c.Interface, err)
		}
		source, sink = canSource, canSink
		closers = append(closers, canSource)
	default:
		log.Fatalf("error: expected transport driver one of {sim, can}; got %s", *conf.Transport.Driver)
	}

	if q := conf.Transport.Queue; *q.Enabled {
		queueSink, err := queue.NewRMQSink(*q.Addr, *q.DB, *q.Name)
		if err != nil {
			log.Fatalf("error: could not open command queue: err = %v", err)
		}
		asyncQueueSink, err := transport.NewAsyncSink(queueSink, queueBuffer)
		if err != nil {
			log.Fatalf("error: %v", err)
		}
		sink = transport.NewMultiSink(sink, asyncQueueSink)
	}
	closers = append(closers, sink)

	fmt.Printf("Using %s transport (command queue enabled = %t)\n", *conf.Transport.Driver, *conf.Transport.Queue.Enabled)
	return source, sink, closers
}
