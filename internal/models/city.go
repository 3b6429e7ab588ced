package models

// City is a named point. Name is unique across the store.
type City struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Coordinates is a latitude/longitude pair in degrees.
type Coordinates struct {
	Lat float64
	Lon float64
}

// Coordinates returns the city's position.
func (c City) Coordinates() Coordinates {
	return Coordinates{Lat: c.Latitude, Lon: c.Longitude}
}
