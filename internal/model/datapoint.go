package model

import "github.com/speedwagon-io/climalink/internal/telemetry"

type DataPoint struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Unit    string `json:"unit,omitempty"`
	Quality string `json:"quality"`
}

const (
	QualityGood    = "good"
	QualityBad     = "bad"
	QualityUnknown = "unknown"
)

// DataPointsFromState flattens a decoded state in schema order: registers
// first, then outputs. Values of a state that did not come from a live
// stream are marked unknown.
func DataPointsFromState(schema telemetry.Schema, st telemetry.State, live bool) []DataPoint {
	points := make([]DataPoint, 0, len(schema.Registers)+len(schema.Coils))

	for _, r := range schema.Registers {
		v := st.Main[r.Name]
		quality := QualityGood
		switch {
		case !live:
			quality = QualityUnknown
		case v == telemetry.Unparseable:
			quality = QualityBad
		}
		points = append(points, DataPoint{
			Name:    r.Name,
			Value:   v,
			Unit:    r.Unit,
			Quality: quality,
		})
	}

	for _, c := range schema.Coils {
		quality := QualityGood
		if !live {
			quality = QualityUnknown
		}
		points = append(points, DataPoint{
			Name:    c.Name,
			Value:   st.Outputs[c.Name],
			Quality: quality,
		})
	}

	return points
}
