package telemetry

import (
	"testing"
	"time"
)

func TestWeatherGenerator_Ranges(t *testing.T) {
	g := NewWeatherGenerator(42)
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 200; i++ {
		f := g.Next(now)

		checkRange(t, f, "temperature", -10, 40)
		checkRange(t, f, "humidity", 20, 100)
		checkRange(t, f, "windSpeed", 0, 50)
		checkRange(t, f, "precipitation", 0, 25)
		checkRange(t, f, "pressure", 980, 1050)

		if f["date"] != "2024-06-01" {
			t.Fatalf("date = %v, want 2024-06-01", f["date"])
		}
		if _, err := Encode(f); err != nil {
			t.Fatalf("Encode(weather) error = %v", err)
		}
	}
}

func TestDeviceGenerator_Sequence(t *testing.T) {
	g := NewDeviceGenerator("esp32-01")
	now := time.Now()

	for n := 0; n < 25; n++ {
		f := g.Next(now)
		if f["deviceId"] != "esp32-01" {
			t.Fatalf("deviceId = %v", f["deviceId"])
		}
		if got, _ := f.Number("messageId"); got != float64(n) {
			t.Errorf("messageId = %v, want %d", got, n)
		}
		if got, _ := f.Number("temperature"); got != float64(20+n%10) {
			t.Errorf("message %d temperature = %v, want %d", n, got, 20+n%10)
		}
		if got, _ := f.Number("humidity"); got != float64(60+n%20) {
			t.Errorf("message %d humidity = %v, want %d", n, got, 60+n%20)
		}
	}
}

func TestSoilGenerator_Ranges(t *testing.T) {
	g := NewSoilGenerator(7)
	for i := 0; i < 200; i++ {
		f := g.Next(time.Now())
		checkRange(t, f, "soil_moisture", 15, 95)
		checkRange(t, f, "temperature", 10, 40)
		checkRange(t, f, "nitrogen", 40, 250)
	}
}

func TestNewGenerator(t *testing.T) {
	for _, name := range []string{"weather", "device", "soil"} {
		g := NewGenerator(name, "dev", 1)
		if g == nil || g.Name() != name {
			t.Errorf("NewGenerator(%q) = %v", name, g)
		}
	}
	if g := NewGenerator("random", "", 1); g != nil {
		t.Errorf("NewGenerator(random) = %v, want nil", g)
	}
}

func checkRange(t *testing.T, f Fields, name string, lo, hi float64) {
	t.Helper()
	v, ok := f.Number(name)
	if !ok {
		t.Fatalf("%s missing or not a number: %v", name, f[name])
	}
	if v < lo || v > hi {
		t.Fatalf("%s = %v, want within [%v, %v]", name, v, lo, hi)
	}
}
