package logging

import (
	"io"
	"log"
	"os"

	"github.com/kcz17/latcontrol/controller"
	"gopkg.in/natefinch/lumberjack.v2"
)

// stdoutLogger logs the output to standard output, and optionally to a
// rotating log file.
type stdoutLogger struct {
	out  *log.Logger
	file io.Closer
}

func NewStdoutLogger() *stdoutLogger {
	return newWriterLogger(os.Stdout, nil)
}

// NewFileLogger logs to standard output and to a size-rotated file at path.
func NewFileLogger(path string, maxSizeMB int, maxBackups int, maxAgeDays int) *stdoutLogger {
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return newWriterLogger(io.MultiWriter(os.Stdout, file), file)
}

func newWriterLogger(w io.Writer, file io.Closer) *stdoutLogger {
	return &stdoutLogger{
		out:  log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		file: file,
	}
}

func (l *stdoutLogger) LogControllerState(state controller.State) {
	l.out.Printf("p: %.3f, i: %.3f, d: %.3f, f: %.3f, e(t): %.3f, sat: %.2f (saturated = %t)\n",
		state.P, state.I, state.D, state.F, state.Error, state.SaturationCount, state.Saturated)
}

func (*stdoutLogger) LogCommand(_ float64) {
	// Do not log individual commands; the controller state includes the
	// last output.
}

func (l *stdoutLogger) LogCycleTiming(p50 float64, p75 float64, p95 float64) {
	l.out.Printf("cycle p50: %.4f, p75: %.4f, p95: %.4f\n", p50, p75, p95)
}

func (l *stdoutLogger) LogEngagement(engaged bool) {
	if engaged {
		l.out.Printf("control loop engaged\n")
	} else {
		l.out.Printf("control loop disengaged\n")
	}
}

func (l *stdoutLogger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
