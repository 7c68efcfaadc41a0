package telemetry

// ResolveAlarms returns the message of every alarm whose coil reads 1, in
// table order. Offsets outside the coil array are skipped.
func ResolveAlarms(coil []float64, table []Alarm) []string {
	active := make([]string, 0)
	for _, a := range table {
		if a.Message == "" || !DecodeCoil(coilAt(coil, a.Offset)) {
			continue
		}
		active = append(active, a.Message)
	}
	return active
}

func coilAt(coil []float64, offset int) any {
	if offset < 0 || offset >= len(coil) {
		return nil
	}
	return coil[offset]
}
