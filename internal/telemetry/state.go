package telemetry

// Messages carried in State.Errors for failures that replace alarm output.
const (
	MsgInvalidPayload    = "invalid payload"
	MsgConnectionTimeout = "connection timeout"
	MsgConnectionLost    = "connection lost"
)

// State is the decoded view of one telemetry message. Every register and
// coil named by the schema is always present.
type State struct {
	Serial  string             `json:"serial"`
	RSSI    int                `json:"rssi"`
	Main    map[string]float64 `json:"main"`
	Outputs map[string]bool    `json:"outputs"`
	Errors  []string           `json:"errors"`
}

func newDefaultState(s Schema) State {
	st := State{
		Main:    make(map[string]float64, len(s.Registers)),
		Outputs: make(map[string]bool, len(s.Coils)),
		Errors:  []string{},
	}
	for _, r := range s.Registers {
		st.Main[r.Name] = 0
	}
	for _, c := range s.Coils {
		st.Outputs[c.Name] = false
	}
	return st
}

// Clone returns a deep copy that shares no maps or slices with s.
func (s State) Clone() State {
	out := State{
		Serial:  s.Serial,
		RSSI:    s.RSSI,
		Main:    make(map[string]float64, len(s.Main)),
		Outputs: make(map[string]bool, len(s.Outputs)),
		Errors:  append([]string{}, s.Errors...),
	}
	for k, v := range s.Main {
		out.Main[k] = v
	}
	for k, v := range s.Outputs {
		out.Outputs[k] = v
	}
	return out
}
