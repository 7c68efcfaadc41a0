package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is one forwarded snapshot of a device.
type Envelope struct {
	ID            string      `json:"id"`
	DeviceID      string      `json:"device_id"`
	SchemaVersion string      `json:"schema_version"`
	Timestamp     time.Time   `json:"timestamp"`
	Link          string      `json:"link"`
	RSSI          int         `json:"rssi"`
	Signal        int         `json:"signal"`
	Values        []DataPoint `json:"values"`
	Errors        []string    `json:"errors"`
}

func NewEnvelope(deviceID, schemaVersion, link string, rssi, signal int, values []DataPoint, errs []string) *Envelope {
	if errs == nil {
		errs = []string{}
	}
	return &Envelope{
		ID:            uuid.New().String(),
		DeviceID:      deviceID,
		SchemaVersion: schemaVersion,
		Timestamp:     time.Now().UTC(),
		Link:          link,
		RSSI:          rssi,
		Signal:        signal,
		Values:        values,
		Errors:        errs,
	}
}

func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func EnvelopeFromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
