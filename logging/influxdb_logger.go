package logging

import (
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/kcz17/latcontrol/controller"
)

// influxDBLogger logs the output to an external InfluxDB instance.
type influxDBLogger struct {
	client      influxdb2.Client
	asyncWriter api.WriteAPI
}

func NewInfluxDBLogger(baseURL, authToken, org, bucket string) *influxDBLogger {
	options := influxdb2.DefaultOptions()
	options.WriteOptions().SetBatchSize(1000)
	options.WriteOptions().SetFlushInterval(250)

	client := influxdb2.NewClientWithOptions(baseURL, authToken, options)
	writeAPI := client.WriteAPI(org, bucket)

	// Create a goroutine for reading and logging async write errors.
	errorsCh := writeAPI.Errors()
	go func() {
		for err := range errorsCh {
			log.Printf("influxdb2 logging async write error: %v\n", err)
		}
	}()

	return &influxDBLogger{
		client:      client,
		asyncWriter: writeAPI,
	}
}

func (l *influxDBLogger) LogControllerState(state controller.State) {
	point := influxdb2.NewPointWithMeasurement("latcontrol_state").
		AddField("p", state.P).
		AddField("i", state.I).
		AddField("d", state.D).
		AddField("f", state.F).
		AddField("e_t", state.Error).
		AddField("sat_count", state.SaturationCount).
		AddField("saturated", state.Saturated).
		SetTime(time.Now())
	l.asyncWriter.WritePoint(point)
}

func (l *influxDBLogger) LogCommand(command float64) {
	p := influxdb2.NewPointWithMeasurement("latcontrol_command").
		AddField("command", command).
		SetTime(time.Now())
	l.asyncWriter.WritePoint(p)
}

func (l *influxDBLogger) LogCycleTiming(p50 float64, p75 float64, p95 float64) {
	p := influxdb2.NewPointWithMeasurement("latcontrol_cycle_time").
		AddField("p50", p50).
		AddField("p75", p75).
		AddField("p95", p95).
		SetTime(time.Now())
	l.asyncWriter.WritePoint(p)
}

func (l *influxDBLogger) LogEngagement(engaged bool) {
	p := influxdb2.NewPointWithMeasurement("latcontrol_engagement").
		AddField("engaged", engaged).
		SetTime(time.Now())
	l.asyncWriter.WritePoint(p)
}

func (l *influxDBLogger) Close() error {
	l.asyncWriter.Flush()
	l.client.Close()
	return nil
}
