package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

var ErrInvalidPayload = errors.New("invalid payload")

// rawMessage mirrors the wire payload. Pointer and nil-able fields let the
// decoder tell a missing key from a zero value.
type rawMessage struct {
	ID      *string  `json:"id"`
	RSSI    *float64 `json:"rssi"`
	Holding []any    `json:"holding"`
	Coil    []any    `json:"coil"`
}

// Decoder maps raw telemetry payloads onto State using a fixed Schema.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	schema   Schema
	template State
}

func NewDecoder(schema Schema) (*Decoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	s := schema.clone()
	return &Decoder{
		schema:   s,
		template: newDefaultState(s),
	}, nil
}

func (d *Decoder) Schema() Schema {
	return d.schema.clone()
}

// Default returns a fresh copy of the default state.
func (d *Decoder) Default() State {
	return d.template.Clone()
}

// Fault returns the default state annotated with a single error message.
func (d *Decoder) Fault(msg string) State {
	st := d.Default()
	st.Errors = []string{msg}
	return st
}

// Decode never fails: malformed payloads yield the default state carrying
// MsgInvalidPayload.
func (d *Decoder) Decode(payload []byte) State {
	st, err := d.DecodeResult(payload)
	if err != nil {
		return d.Fault(MsgInvalidPayload)
	}
	return st
}

// DecodeResult is Decode with the failure reason exposed. On error the
// returned State must not be used; callers fall back to Fault.
func (d *Decoder) DecodeResult(payload []byte) (State, error) {
	msg, err := parseMessage(payload)
	if err != nil {
		return State{}, err
	}

	coil, err := coilValues(msg.Coil)
	if err != nil {
		return State{}, err
	}
	if err := checkRegisters(msg.Holding); err != nil {
		return State{}, err
	}

	rssi, err := rssiValue(*msg.RSSI)
	if err != nil {
		return State{}, err
	}

	st := d.Default()
	st.Serial = *msg.ID
	st.RSSI = rssi

	for _, r := range d.schema.Registers {
		st.Main[r.Name] = DecodeFixedPoint(registerAt(msg.Holding, r.Offset), r.KeepDigits, r.FractionalDigits)
	}
	for _, c := range d.schema.Coils {
		st.Outputs[c.Name] = DecodeCoil(coilAt(coil, c.Offset))
	}
	st.Errors = ResolveAlarms(coil, d.schema.Alarms)

	return st, nil
}

func parseMessage(payload []byte) (*rawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var msg rawMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after message", ErrInvalidPayload)
	}

	switch {
	case msg.ID == nil:
		return nil, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	case msg.RSSI == nil:
		return nil, fmt.Errorf("%w: missing rssi", ErrInvalidPayload)
	case msg.Holding == nil:
		return nil, fmt.Errorf("%w: missing holding", ErrInvalidPayload)
	case msg.Coil == nil:
		return nil, fmt.Errorf("%w: missing coil", ErrInvalidPayload)
	}

	return &msg, nil
}

// checkRegisters accepts numbers and strings; a string that is not a
// numeral is left for DecodeFixedPoint to flag as Unparseable.
func checkRegisters(holding []any) error {
	for i, v := range holding {
		switch v.(type) {
		case json.Number, string:
		default:
			return fmt.Errorf("%w: holding[%d] has type %T", ErrInvalidPayload, i, v)
		}
	}
	return nil
}

func coilValues(raw []any) ([]float64, error) {
	out := make([]float64, len(raw))
	for i, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("%w: coil[%d] has type %T", ErrInvalidPayload, i, v)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: coil[%d]: %v", ErrInvalidPayload, i, err)
		}
		out[i] = f
	}
	return out, nil
}

// rssiValue truncates toward zero. Readings outside the int32 range cannot
// come from a radio and make the message invalid.
func rssiValue(v float64) (int, error) {
	t := math.Trunc(v)
	if math.IsNaN(t) || t < math.MinInt32 || t > math.MaxInt32 {
		return 0, fmt.Errorf("%w: rssi %v out of range", ErrInvalidPayload, v)
	}
	return int(t), nil
}

func registerAt(holding []any, offset int) any {
	if offset < 0 || offset >= len(holding) {
		return nil
	}
	return holding[offset]
}
