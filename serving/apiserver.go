package serving

import (
	"encoding/json"
	"fmt"

	"github.com/jackwhelpton/fasthttp-routing/v2"
)

type APIServer struct {
	ControlLoop *ControlLoop
}

func (a *APIServer) router() *routing.Router {
	router := routing.New()

	router.Post("/reset", a.resetControlLoopHandler())
	router.Get("/state", a.stateHandler())
	router.Get("/timing", a.timingHandler())
	router.Get("/tuning", a.tuningHandler())

	return router
}

func (a *APIServer) resetControlLoopHandler() routing.Handler {
	return func(c *routing.Context) error {
		a.ControlLoop.Reset()
		return c.Write("control loop reset\n")
	}
}

func (a *APIServer) stateHandler() routing.Handler {
	return func(c *routing.Context) error {
		snapshot := a.ControlLoop.Snapshot()
		response := &struct {
			Engaged         bool    `json:"engaged"`
			Command         float64 `json:"command"`
			Saturated       bool    `json:"saturated"`
			P               float64 `json:"p"`
			I               float64 `json:"i"`
			D               float64 `json:"d"`
			F               float64 `json:"f"`
			Error           float64 `json:"error"`
			SaturationCount float64 `json:"saturationCount"`
		}{
			Engaged:         snapshot.Engaged,
			Command:         snapshot.Command.Value,
			Saturated:       snapshot.Command.Saturated,
			P:               snapshot.State.P,
			I:               snapshot.State.I,
			D:               snapshot.State.D,
			F:               snapshot.State.F,
			Error:           snapshot.State.Error,
			SaturationCount: snapshot.State.SaturationCount,
		}

		b, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("could not marshal state: err = %w", err)
		}
		c.SetContentType("application/json")
		return c.Write(b)
	}
}

func (a *APIServer) timingHandler() routing.Handler {
	return func(c *routing.Context) error {
		aggregation := a.ControlLoop.Timing()
		response := &struct {
			P50 float64
			P75 float64
			P95 float64
		}{
			P50: aggregation.P50.Seconds(),
			P75: aggregation.P75.Seconds(),
			P95: aggregation.P95.Seconds(),
		}

		b, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("could not marshal aggregation: err = %w", err)
		}
		c.SetContentType("application/json")
		return c.Write(b)
	}
}

func (a *APIServer) tuningHandler() routing.Handler {
	type curve struct {
		Speeds []float64 `json:"speeds"`
		Gains  []float64 `json:"gains"`
	}
	return func(c *routing.Context) error {
		tuning := a.ControlLoop.Tuning()
		response := &struct {
			Kp       curve   `json:"kp"`
			Ki       curve   `json:"ki"`
			NegLimit float64 `json:"negLimit"`
			PosLimit float64 `json:"posLimit"`
		}{
			Kp:       curve{Speeds: tuning.KpSpeeds, Gains: tuning.KpGains},
			Ki:       curve{Speeds: tuning.KiSpeeds, Gains: tuning.KiGains},
			NegLimit: tuning.NegLimit,
			PosLimit: tuning.PosLimit,
		}

		b, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("could not marshal tuning: err = %w", err)
		}
		c.SetContentType("application/json")
		return c.Write(b)
	}
}
