package logging

import "github.com/kcz17/latcontrol/controller"

type Logger interface {
	LogControllerState(state controller.State)
	LogCommand(command float64)
	LogCycleTiming(p50 float64, p75 float64, p95 float64) // Takes in cycle periods in seconds.
	LogEngagement(engaged bool)
	Close() error
}

// noopLogger does not perform any logging.
type noopLogger struct{}

func NewNoopLogger() *noopLogger {
	return &noopLogger{}
}

func (*noopLogger) LogControllerState(controller.State) {}

func (*noopLogger) LogCommand(float64) {}

func (*noopLogger) LogCycleTiming(float64, float64, float64) {}

func (*noopLogger) LogEngagement(bool) {}

func (*noopLogger) Close() error {
	return nil
}
