package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LocationStatus is the availability state a driver reports alongside its position.
type LocationStatus string

const (
	StatusOnline  LocationStatus = "online"
	StatusOffline LocationStatus = "offline"
	StatusOnRide  LocationStatus = "on_ride"
	StatusBreak   LocationStatus = "break"
)

func (s LocationStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusOnRide, StatusBreak:
		return true
	}
	return false
}

// Active reports whether a driver in this status can be matched to riders.
func (s LocationStatus) Active() bool {
	return s == StatusOnline || s == StatusOnRide
}

// Location is the single tracked position of a driver.
type Location struct {
	DriverID      string         `json:"driverId"`
	Latitude      float64        `json:"latitude"`
	Longitude     float64        `json:"longitude"`
	Heading       float64        `json:"heading"`
	Speed         float64        `json:"speed"`    // km/h
	Accuracy      float64        `json:"accuracy"` // meters
	Status        LocationStatus `json:"status"`
	CurrentRideID string         `json:"currentRideId,omitempty"`
	LastUpdate    time.Time      `json:"lastUpdate"`
	Address       string         `json:"address,omitempty"`
	City          string         `json:"city,omitempty"`
	Country       string         `json:"country,omitempty"`
	BatteryLevel  *float64       `json:"batteryLevel,omitempty"`
	IsMoving      bool           `json:"isMoving"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// LocationUpdate carries the mutable fields of a location push.
type LocationUpdate struct {
	Latitude      float64        `json:"latitude" validate:"min=-90,max=90"`
	Longitude     float64        `json:"longitude" validate:"min=-180,max=180"`
	Heading       float64        `json:"heading" validate:"min=0,lt=360"`
	Speed         float64        `json:"speed" validate:"min=0"`
	Accuracy      float64        `json:"accuracy" validate:"min=0"`
	Status        LocationStatus `json:"status" validate:"required,oneof=online offline on_ride break"`
	CurrentRideID string         `json:"currentRideId,omitempty"`
	Address       string         `json:"address,omitempty"`
	City          string         `json:"city,omitempty"`
	Country       string         `json:"country,omitempty"`
	BatteryLevel  *float64       `json:"batteryLevel,omitempty" validate:"omitempty,min=0,max=100"`
	IsMoving      bool           `json:"isMoving"`
}

// Apply overwrites the mutable fields of l with u.
func (l *Location) Apply(u LocationUpdate) {
	l.Latitude = u.Latitude
	l.Longitude = u.Longitude
	l.Heading = u.Heading
	l.Speed = u.Speed
	l.Accuracy = u.Accuracy
	l.Status = u.Status
	l.CurrentRideID = u.CurrentRideID
	if u.Status != StatusOnRide {
		l.CurrentRideID = ""
	}
	l.Address = u.Address
	l.City = u.City
	l.Country = u.Country
	l.BatteryLevel = u.BatteryLevel
	l.IsMoving = u.IsMoving
}

// NearbyDriver is a location annotated with its distance to a query point.
type NearbyDriver struct {
	Location
	DistanceKm float64 `json:"distanceKm"`
}

// DriverSummary is the identity data resolved from the user directory.
type DriverSummary struct {
	ID        string `json:"id"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
}

type RideSummary struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	Status      string    `json:"status"`
	Origin      Coord     `json:"origin"`
	Destination Coord     `json:"destination"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DriverView is a location resolved with its owning driver and, when on a ride, the ride.
type DriverView struct {
	Location
	Driver *DriverSummary `json:"driver,omitempty"`
	Ride   *RideSummary   `json:"ride,omitempty"`
}

// LocationEvent is the message exchanged on the location ingest topic.
type LocationEvent struct {
	DriverID string         `json:"driverId"`
	Update   LocationUpdate `json:"update"`
	SentAt   time.Time      `json:"sentAt"`
}
