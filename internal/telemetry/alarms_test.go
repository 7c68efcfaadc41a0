package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveAlarms(t *testing.T) {
	table := []Alarm{
		{Offset: 4, Message: "b"},
		{Offset: 1, Message: "a"},
		{Offset: 9, Message: "out of range"},
		{Offset: 2, Message: ""},
	}

	tests := []struct {
		name string
		coil []float64
		want []string
	}{
		{"none", []float64{0, 0, 0, 0, 0}, []string{}},
		{"table order", []float64{0, 1, 0, 0, 1}, []string{"b", "a"}},
		{"only ones count", []float64{0, 2, 0, 0, 1}, []string{"b"}},
		{"empty message skipped", []float64{0, 0, 1, 0, 0}, []string{}},
		{"empty coil", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveAlarms(tt.coil, table))
		})
	}
}
