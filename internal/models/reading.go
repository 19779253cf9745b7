package models

import "time"

// Reading is one temperature/humidity sample of a sensor.
type Reading struct {
	SensorName  string    `json:"sensor_name"`
	SlaveID     int       `json:"slave_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Stamped returns a copy of the reading with CapturedAt set to now when it is empty.
func (r Reading) Stamped(now time.Time) Reading {
	if r.CapturedAt.IsZero() {
		r.CapturedAt = now.UTC()
	}
	return r
}
