package canbus

import (
	"fmt"
	"math"

	"github.com/kcz17/latcontrol/transport"
	"go.einride.tech/can"
)

// State frame layout (little endian, 8 bytes):
//
//	bits  0-15  setpoint     int16   x0.01
//	bits 16-31  measurement  int16   x0.01
//	bits 32-47  speed        uint16  x0.01 m/s
//	bits 48-59  feedforward  int12   x0.01
//	bit  60     engaged
//	bit  61     override
//	bit  62     freeze integrator
//
// Command frame layout (little endian, 3 bytes):
//
//	bits  0-15  value        int16   x0.0001
//	bit  16     saturated
const (
	stateLength   = 8
	commandLength = 3

	stateScale   = 0.01
	commandScale = 0.0001

	engagedBit   = 60
	overrideBit  = 61
	freezeBit    = 62
	saturatedBit = 16
)

type signal struct {
	start  uint8
	length uint8
}

var (
	setpointSignal    = signal{start: 0, length: 16}
	measurementSignal = signal{start: 16, length: 16}
	speedSignal       = signal{start: 32, length: 16}
	feedforwardSignal = signal{start: 48, length: 12}
	valueSignal       = signal{start: 0, length: 16}
)

func EncodeState(id uint32, r transport.Reading) can.Frame {
	f := can.Frame{ID: id, Length: stateLength}
	f.Data.SetSignedBitsLittleEndian(setpointSignal.start, setpointSignal.length, quantizeSigned(r.Setpoint, stateScale, setpointSignal.length))
	f.Data.SetSignedBitsLittleEndian(measurementSignal.start, measurementSignal.length, quantizeSigned(r.Measurement, stateScale, measurementSignal.length))
	f.Data.SetUnsignedBitsLittleEndian(speedSignal.start, speedSignal.length, quantizeUnsigned(r.Speed, stateScale, speedSignal.length))
	f.Data.SetSignedBitsLittleEndian(feedforwardSignal.start, feedforwardSignal.length, quantizeSigned(r.Feedforward, stateScale, feedforwardSignal.length))
	f.Data.SetBit(engagedBit, r.Engaged)
	f.Data.SetBit(overrideBit, r.Override)
	f.Data.SetBit(freezeBit, r.FreezeIntegrator)
	return f
}

func DecodeState(f can.Frame) (transport.Reading, error) {
	if f.Length < stateLength {
		return transport.Reading{}, fmt.Errorf("DecodeState() expected frame %#x of length %d; got %d", f.ID, stateLength, f.Length)
	}
	return transport.Reading{
		Setpoint:         float64(f.Data.SignedBitsLittleEndian(setpointSignal.start, setpointSignal.length)) * stateScale,
		Measurement:      float64(f.Data.SignedBitsLittleEndian(measurementSignal.start, measurementSignal.length)) * stateScale,
		Speed:            float64(f.Data.UnsignedBitsLittleEndian(speedSignal.start, speedSignal.length)) * stateScale,
		Feedforward:      float64(f.Data.SignedBitsLittleEndian(feedforwardSignal.start, feedforwardSignal.length)) * stateScale,
		Engaged:          f.Data.Bit(engagedBit),
		Override:         f.Data.Bit(overrideBit),
		FreezeIntegrator: f.Data.Bit(freezeBit),
	}, nil
}

func EncodeCommand(id uint32, c transport.Command) can.Frame {
	f := can.Frame{ID: id, Length: commandLength}
	f.Data.SetSignedBitsLittleEndian(valueSignal.start, valueSignal.length, quantizeSigned(c.Value, commandScale, valueSignal.length))
	f.Data.SetBit(saturatedBit, c.Saturated)
	return f
}

func DecodeCommand(f can.Frame) (transport.Command, error) {
	if f.Length < commandLength {
		return transport.Command{}, fmt.Errorf("DecodeCommand() expected frame %#x of length %d; got %d", f.ID, commandLength, f.Length)
	}
	return transport.Command{
		Value:     float64(f.Data.SignedBitsLittleEndian(valueSignal.start, valueSignal.length)) * commandScale,
		Saturated: f.Data.Bit(saturatedBit),
	}, nil
}

// quantizeSigned rounds v to the nearest raw step, saturating at the limits
// of a two's complement field of the given bit length.
func quantizeSigned(v float64, scale float64, length uint8) int64 {
	hi := float64(int64(1)<<(length-1) - 1)
	lo := -hi - 1
	return int64(math.Max(lo, math.Min(hi, math.Round(v/scale))))
}

func quantizeUnsigned(v float64, scale float64, length uint8) uint64 {
	hi := float64(uint64(1)<<length - 1)
	return uint64(math.Max(0, math.Min(hi, math.Round(v/scale))))
}
