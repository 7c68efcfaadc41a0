package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/speedwagon-io/climalink/internal/telemetry"
)

// SchemaConfig is the on-disk register/coil layout. Sections left empty
// fall back to the built-in layout, so a site can override only its alarms.
type SchemaConfig struct {
	Version   string           `yaml:"version"`
	Registers []RegisterConfig `yaml:"registers"`
	Coils     []CoilConfig     `yaml:"coils"`
	Alarms    []AlarmConfig    `yaml:"alarms"`
}

type RegisterConfig struct {
	Name             string `yaml:"name"`
	Offset           int    `yaml:"offset"`
	KeepDigits       int    `yaml:"keep_digits"`
	FractionalDigits int    `yaml:"fractional_digits"`
	Unit             string `yaml:"unit,omitempty"`
}

type CoilConfig struct {
	Name   string `yaml:"name"`
	Offset int    `yaml:"offset"`
}

type AlarmConfig struct {
	Offset  int    `yaml:"offset"`
	Message string `yaml:"message"`
}

func MustLoadSchema(path string) telemetry.Schema {
	s, err := LoadSchema(path)
	if err != nil {
		panic(err.Error())
	}
	return s
}

// LoadSchema reads a schema file. An empty path selects the built-in schema.
func LoadSchema(path string) (telemetry.Schema, error) {
	if path == "" {
		return telemetry.DefaultSchema(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return telemetry.Schema{}, fmt.Errorf("schema file not found: %s", path)
	}

	var sc SchemaConfig
	if err := cleanenv.ReadConfig(path, &sc); err != nil {
		return telemetry.Schema{}, fmt.Errorf("failed to read schema: %w", err)
	}

	s := sc.ToSchema()
	if err := s.Validate(); err != nil {
		return telemetry.Schema{}, fmt.Errorf("invalid schema %s: %w", path, err)
	}

	return s, nil
}

func (sc SchemaConfig) ToSchema() telemetry.Schema {
	s := telemetry.DefaultSchema()
	if sc.Version != "" {
		s.Version = sc.Version
	}

	if len(sc.Registers) > 0 {
		s.Registers = make([]telemetry.RegisterField, 0, len(sc.Registers))
		for _, r := range sc.Registers {
			s.Registers = append(s.Registers, telemetry.RegisterField{
				Name:             r.Name,
				Offset:           r.Offset,
				KeepDigits:       r.KeepDigits,
				FractionalDigits: r.FractionalDigits,
				Unit:             r.Unit,
			})
		}
	}

	if len(sc.Coils) > 0 {
		s.Coils = make([]telemetry.CoilField, 0, len(sc.Coils))
		for _, c := range sc.Coils {
			s.Coils = append(s.Coils, telemetry.CoilField{Name: c.Name, Offset: c.Offset})
		}
	}

	if len(sc.Alarms) > 0 {
		s.Alarms = make([]telemetry.Alarm, 0, len(sc.Alarms))
		for _, a := range sc.Alarms {
			s.Alarms = append(s.Alarms, telemetry.Alarm{Offset: a.Offset, Message: a.Message})
		}
	}

	return s
}
