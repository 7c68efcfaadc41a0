package telemetry

import (
	"errors"
	"fmt"
)

// Register field names of the built-in schema.
const (
	FieldTemp1        = "temp1"
	FieldTemp2        = "temp2"
	FieldTemp3        = "temp3"
	FieldTemp4        = "temp4"
	FieldTemp5        = "temp5"
	FieldTempMean     = "tempMean"
	FieldTempAdjusted = "tempAdjusted"
	FieldHumidity     = "humidity"
	FieldPressure     = "pressure"
	FieldDay          = "day"
	FieldCO2          = "co2"
)

// SchemaVersion identifies the built-in register/coil layout.
const SchemaVersion = "v1"

// RegisterField binds a named reading to an offset in the holding array
// together with its fixed-point parameters.
type RegisterField struct {
	Name             string
	Offset           int
	KeepDigits       int
	FractionalDigits int
	Unit             string
}

// CoilField binds a named output to an offset in the coil array.
type CoilField struct {
	Name   string
	Offset int
}

// Alarm is one AlarmTable entry. Alarm offsets share the coil array with
// outputs but never overlap them.
type Alarm struct {
	Offset  int
	Message string
}

// Schema is the immutable decoding layout handed to a Decoder.
type Schema struct {
	Version   string
	Registers []RegisterField
	Coils     []CoilField
	Alarms    []Alarm
}

func DefaultSchema() Schema {
	return Schema{
		Version:   SchemaVersion,
		Registers: DefaultRegisters(),
		Coils:     DefaultCoils(),
		Alarms:    DefaultAlarms(),
	}
}

func DefaultRegisters() []RegisterField {
	return []RegisterField{
		{Name: FieldTemp1, Offset: 0, KeepDigits: 3, FractionalDigits: 1, Unit: "°C"},
		{Name: FieldTemp2, Offset: 1, KeepDigits: 3, FractionalDigits: 1, Unit: "°C"},
		{Name: FieldTemp3, Offset: 2, KeepDigits: 3, FractionalDigits: 1, Unit: "°C"},
		{Name: FieldTemp4, Offset: 3, KeepDigits: 3, FractionalDigits: 1, Unit: "°C"},
		{Name: FieldTemp5, Offset: 4, KeepDigits: 3, FractionalDigits: 1, Unit: "°C"},
		{Name: FieldTempMean, Offset: 5, KeepDigits: 3, FractionalDigits: 1, Unit: "°C"},
		{Name: FieldTempAdjusted, Offset: 6, KeepDigits: 3, FractionalDigits: 1, Unit: "°C"},
		{Name: FieldHumidity, Offset: 7, KeepDigits: 3, FractionalDigits: 1, Unit: "%"},
		{Name: FieldPressure, Offset: 8, KeepDigits: 3, FractionalDigits: 1, Unit: "Pa"},
		{Name: FieldDay, Offset: 9, KeepDigits: 3, FractionalDigits: 0},
		{Name: FieldCO2, Offset: 10, KeepDigits: 3, FractionalDigits: 0, Unit: "ppm"},
	}
}

func DefaultCoils() []CoilField {
	coils := []CoilField{{Name: "minimumVentilation", Offset: 0}}
	for i := 1; i <= 15; i++ {
		coils = append(coils, CoilField{Name: fmt.Sprintf("exhaust%d", i), Offset: i})
	}
	coils = append(coils,
		CoilField{Name: "curtainOpen", Offset: 16},
		CoilField{Name: "curtainClose", Offset: 17},
		CoilField{Name: "inletOpen", Offset: 18},
		CoilField{Name: "inletClose", Offset: 19},
	)
	for i := 1; i <= 4; i++ {
		coils = append(coils, CoilField{Name: fmt.Sprintf("heater%d", i), Offset: 19 + i})
	}
	return append(coils,
		CoilField{Name: "evaporativePlate", Offset: 24},
		CoilField{Name: "nebulizer", Offset: 25},
		CoilField{Name: "circulator", Offset: 26},
		CoilField{Name: "lighting", Offset: 27},
	)
}

// DefaultAlarms is the alarm block of the reference controller. Sites with a
// different firmware override it through the schema file.
func DefaultAlarms() []Alarm {
	return []Alarm{
		{Offset: 32, Message: "high temperature"},
		{Offset: 33, Message: "low temperature"},
		{Offset: 34, Message: "high humidity"},
		{Offset: 35, Message: "low humidity"},
		{Offset: 36, Message: "high co2"},
		{Offset: 37, Message: "high static pressure"},
		{Offset: 38, Message: "low static pressure"},
		{Offset: 39, Message: "temperature sensor failure"},
		{Offset: 40, Message: "humidity sensor failure"},
		{Offset: 41, Message: "power failure"},
	}
}

// Validate checks that both index maps are total and injective and that
// alarm offsets stay clear of output offsets.
func (s Schema) Validate() error {
	if len(s.Registers) == 0 {
		return errors.New("schema: no registers defined")
	}
	if len(s.Coils) == 0 {
		return errors.New("schema: no coils defined")
	}

	names := make(map[string]struct{}, len(s.Registers))
	offsets := make(map[int]string, len(s.Registers))
	for _, r := range s.Registers {
		if r.Name == "" {
			return fmt.Errorf("schema: register at offset %d has no name", r.Offset)
		}
		if r.Offset < 0 {
			return fmt.Errorf("schema: register %q has negative offset %d", r.Name, r.Offset)
		}
		if r.KeepDigits < 0 || r.FractionalDigits < 0 {
			return fmt.Errorf("schema: register %q has negative digit parameters", r.Name)
		}
		if _, dup := names[r.Name]; dup {
			return fmt.Errorf("schema: duplicate register name %q", r.Name)
		}
		if prev, dup := offsets[r.Offset]; dup {
			return fmt.Errorf("schema: registers %q and %q share offset %d", prev, r.Name, r.Offset)
		}
		names[r.Name] = struct{}{}
		offsets[r.Offset] = r.Name
	}

	names = make(map[string]struct{}, len(s.Coils))
	offsets = make(map[int]string, len(s.Coils)+len(s.Alarms))
	for _, c := range s.Coils {
		if c.Name == "" {
			return fmt.Errorf("schema: coil at offset %d has no name", c.Offset)
		}
		if c.Offset < 0 {
			return fmt.Errorf("schema: coil %q has negative offset %d", c.Name, c.Offset)
		}
		if _, dup := names[c.Name]; dup {
			return fmt.Errorf("schema: duplicate coil name %q", c.Name)
		}
		if prev, dup := offsets[c.Offset]; dup {
			return fmt.Errorf("schema: coils %q and %q share offset %d", prev, c.Name, c.Offset)
		}
		names[c.Name] = struct{}{}
		offsets[c.Offset] = c.Name
	}

	for _, a := range s.Alarms {
		if a.Message == "" {
			return fmt.Errorf("schema: alarm at offset %d has no message", a.Offset)
		}
		if a.Offset < 0 {
			return fmt.Errorf("schema: alarm %q has negative offset %d", a.Message, a.Offset)
		}
		if prev, dup := offsets[a.Offset]; dup {
			return fmt.Errorf("schema: alarm %q collides with %q at coil offset %d", a.Message, prev, a.Offset)
		}
		offsets[a.Offset] = a.Message
	}

	return nil
}

// HoldingLen is the minimum holding array length that covers every register.
func (s Schema) HoldingLen() int {
	n := 0
	for _, r := range s.Registers {
		n = max(n, r.Offset+1)
	}
	return n
}

// CoilLen is the minimum coil array length that covers every output and alarm.
func (s Schema) CoilLen() int {
	n := 0
	for _, c := range s.Coils {
		n = max(n, c.Offset+1)
	}
	for _, a := range s.Alarms {
		n = max(n, a.Offset+1)
	}
	return n
}

func (s Schema) clone() Schema {
	return Schema{
		Version:   s.Version,
		Registers: append([]RegisterField(nil), s.Registers...),
		Coils:     append([]CoilField(nil), s.Coils...),
		Alarms:    append([]Alarm(nil), s.Alarms...),
	}
}
