package backend

import (
	"fmt"
	"math"

	"go.einride.tech/can"
)

// DM-family maintenance frames. The first seven bytes are 0xFF, the last
// byte selects the operation.
const (
	dmOpEnable     = 0xFC
	dmOpDisable    = 0xFD
	dmOpSetZero    = 0xFE
	dmOpClearError = 0xFB
)

func dmControlFrame(motorID int, op byte) can.Frame {
	return can.Frame{
		ID:     uint32(motorID),
		Length: 8,
		Data:   can.Data{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, op},
	}
}

// motorParams bounds the physical quantities packed into MIT-mode
// command frames. Values outside the range saturate.
type motorParams struct {
	Model  string
	PosMax float64 // rad, symmetric
	VelMax float64 // rad/s, symmetric
	KpMax  float64
	KdMax  float64
	TauMax float64 // Nm, symmetric
}

var motorModels = map[string]motorParams{
	"DM4310": {Model: "DM4310", PosMax: 12.5, VelMax: 30, KpMax: 500, KdMax: 5, TauMax: 10},
	"DM4340": {Model: "DM4340", PosMax: 12.5, VelMax: 10, KpMax: 500, KdMax: 5, TauMax: 28},
	"DM8009": {Model: "DM8009", PosMax: 12.5, VelMax: 45, KpMax: 500, KdMax: 5, TauMax: 54},
}

// defaultChainModels is the standard seven-motor arm layout: three large
// shoulder/elbow motors, three wrist motors, one gripper motor.
var defaultChainModels = []string{
	"DM4340", "DM4340", "DM4340", "DM4310", "DM4310", "DM4310", "DM8009",
}

func paramsFor(model string) (motorParams, error) {
	p, ok := motorModels[model]
	if !ok {
		return motorParams{}, fmt.Errorf("unrecognized motor model %q", model)
	}
	return p, nil
}

// floatToUintRange maps x in [min, max] onto an unsigned integer of the
// given bit width, saturating at the bounds.
func floatToUintRange(x, min, max float64, bits int) uint32 {
	if x > max {
		x = max
	}
	if x < min {
		x = min
	}
	span := max - min
	top := float64(uint32(1)<<bits - 1)
	return uint32((x - min) / span * top)
}

// uintToFloatRange is the inverse of floatToUintRange.
func uintToFloatRange(v uint32, min, max float64, bits int) float64 {
	span := max - min
	top := float64(uint32(1)<<bits - 1)
	return float64(v)/top*span + min
}

func floatToUint(x, limit float64, bits int) uint32 {
	return floatToUintRange(x, -limit, limit, bits)
}

func uintToFloat(v uint32, limit float64, bits int) float64 {
	return uintToFloatRange(v, -limit, limit, bits)
}

// mitCommand is one MIT-mode control target for a motor.
type mitCommand struct {
	Position float64 // rad
	Velocity float64 // rad/s
	Kp       float64
	Kd       float64
	Torque   float64 // Nm feed-forward
}

// encodeMIT packs a control target into the 8-byte MIT frame layout:
// 16-bit position, 12-bit velocity, 12-bit kp, 12-bit kd, 12-bit torque.
func encodeMIT(p motorParams, cmd mitCommand) can.Data {
	pos := floatToUint(cmd.Position, p.PosMax, 16)
	vel := floatToUint(cmd.Velocity, p.VelMax, 12)
	kp := floatToUintRange(cmd.Kp, 0, p.KpMax, 12)
	kd := floatToUintRange(cmd.Kd, 0, p.KdMax, 12)
	tau := floatToUint(cmd.Torque, p.TauMax, 12)

	var d can.Data
	d[0] = byte(pos >> 8)
	d[1] = byte(pos)
	d[2] = byte(vel >> 4)
	d[3] = byte((vel&0xF)<<4) | byte(kp>>8)
	d[4] = byte(kp)
	d[5] = byte(kd >> 4)
	d[6] = byte((kd&0xF)<<4) | byte(tau>>8)
	d[7] = byte(tau)
	return d
}

// feedback is one decoded motor feedback frame.
type feedback struct {
	MotorID     int
	Status      uint8 // driver status nibble; 0x1 is nominal
	Position    float64
	Velocity    float64
	Torque      float64
	TempMOS     int
	TempRotor   int
}

// decodeFeedback unpacks a feedback frame. Layout: motor id in the low
// nibble of byte 0, status code in the high nibble, then 16-bit position,
// 12-bit velocity, 12-bit torque, and the two temperature bytes.
func decodeFeedback(p motorParams, data can.Data) feedback {
	id := int(data[0] & 0x0F)
	status := (data[0] & 0xF0) >> 4

	posRaw := uint32(data[1])<<8 | uint32(data[2])
	velRaw := uint32(data[3])<<4 | uint32(data[4])>>4
	tauRaw := (uint32(data[4])&0xF)<<8 | uint32(data[5])

	return feedback{
		MotorID:   id,
		Status:    status,
		Position:  uintToFloat(posRaw, p.PosMax, 16),
		Velocity:  uintToFloat(velRaw, p.VelMax, 12),
		Torque:    uintToFloat(tauRaw, p.TauMax, 12),
		TempMOS:   int(data[6]),
		TempRotor: int(data[7]),
	}
}

// millidegreesToRad converts a joint-vector entry to the radian target
// the motor frame carries.
func millidegreesToRad(mdeg int32) float64 {
	return float64(mdeg) * math.Pi / 180_000
}

// radToMillidegrees converts a feedback position back to joint units.
func radToMillidegrees(rad float64) int32 {
	return int32(math.Round(rad * 180_000 / math.Pi))
}
