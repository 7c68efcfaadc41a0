package telemetry

import "math"

const (
	rssiNearField = -5
	rssiReference = -61
	rssiSpan      = 39
	signalBuckets = 4
)

// RSSIToBucket maps a received signal strength to one of the five signal
// icons, 0..4. Readings at or above -5 dBm are treated as invalid and map to 0.
func RSSIToBucket(rssi int) int {
	if rssi >= rssiNearField {
		return 0
	}
	pct := float64(rssi-rssiReference) / rssiSpan
	seg := int(math.Ceil(pct * signalBuckets))
	return min(max(signalBuckets+1-seg, 0), signalBuckets)
}
