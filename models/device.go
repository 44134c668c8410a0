package models

import "time"

// Device is one adb-visible Android device.
type Device struct {
	ID             string    `json:"id"`
	ADBDeviceID    string    `json:"adb_device_id"`
	HardwareSerial string    `json:"hardware_serial,omitempty"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	AndroidVersion string    `json:"android_version,omitempty"`
	Resolution     string    `json:"resolution,omitempty"`
	Battery        int       `json:"battery,omitempty"`
	FirstSeen      time.Time `json:"first_seen,omitempty"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
}

// Device statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)
