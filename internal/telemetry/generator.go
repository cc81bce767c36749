package telemetry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Generator produces the fields of one synthetic event per call.
type Generator interface {
	Name() string
	Next(now time.Time) Fields
}

var (
	weatherCities     = []string{"New York", "London", "Tokyo", "Sao Paulo", "Paris", "Berlin"}
	weatherDirections = []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}
)

// WeatherGenerator emits random weather observations.
type WeatherGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeatherGenerator returns a generator seeded with seed.
func NewWeatherGenerator(seed uint64) *WeatherGenerator {
	return &WeatherGenerator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (g *WeatherGenerator) Name() string { return "weather" }

// Next returns one observation stamped with now.
func (g *WeatherGenerator) Next(now time.Time) Fields {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Fields{
		TimestampField:  FormatTimestamp(now),
		"city":          weatherCities[g.rng.IntN(len(weatherCities))],
		"date":          now.UTC().Format("2006-01-02"),
		"temperature":   round1(uniform(g.rng, -10, 40)),
		"humidity":      float64(20 + g.rng.IntN(81)),
		"windSpeed":     round1(uniform(g.rng, 0, 50)),
		"windDirection": weatherDirections[g.rng.IntN(len(weatherDirections))],
		"precipitation": round1(uniform(g.rng, 0, 25)),
		"pressure":      round1(uniform(g.rng, 980, 1050)),
	}
}

// DeviceGenerator emits the deterministic telemetry of a simulated device.
type DeviceGenerator struct {
	DeviceID string

	mu    sync.Mutex
	count int
}

// NewDeviceGenerator returns a generator for deviceID.
func NewDeviceGenerator(deviceID string) *DeviceGenerator {
	return &DeviceGenerator{DeviceID: deviceID}
}

func (g *DeviceGenerator) Name() string { return "device" }

// Next returns the next message in the device's sequence.
func (g *DeviceGenerator) Next(now time.Time) Fields {
	g.mu.Lock()
	n := g.count
	g.count++
	g.mu.Unlock()

	return Fields{
		TimestampField: FormatTimestamp(now),
		"deviceId":     g.DeviceID,
		"messageId":    float64(n),
		"temperature":  float64(20 + n%10),
		"humidity":     float64(60 + n%20),
	}
}

// SoilGenerator emits soil readings carrying the irrigation model features.
type SoilGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSoilGenerator returns a generator seeded with seed.
func NewSoilGenerator(seed uint64) *SoilGenerator {
	return &SoilGenerator{rng: rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))}
}

func (g *SoilGenerator) Name() string { return "soil" }

// Next returns one reading stamped with now.
func (g *SoilGenerator) Next(now time.Time) Fields {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Fields{
		TimestampField:  FormatTimestamp(now),
		"soil_moisture": round1(uniform(g.rng, 15, 95)),
		"temperature":   round1(uniform(g.rng, 10, 40)),
		"nitrogen":      round1(uniform(g.rng, 40, 250)),
	}
}

// NewGenerator returns the generator registered under name, or nil.
func NewGenerator(name, deviceID string, seed uint64) Generator {
	switch name {
	case "weather":
		return NewWeatherGenerator(seed)
	case "device":
		return NewDeviceGenerator(deviceID)
	case "soil":
		return NewSoilGenerator(seed)
	}
	return nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
