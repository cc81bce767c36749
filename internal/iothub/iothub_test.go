package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ConnectionString
		wantErr bool
	}{
		{
			name:  "device key",
			input: "HostName=farm.azure-devices.net;DeviceId=esp32-01;SharedAccessKey=c2VjcmV0",
			want:  ConnectionString{HostName: "farm.azure-devices.net", DeviceID: "esp32-01", SharedAccessKey: "c2VjcmV0"},
		},
		{
			name:  "key value containing equals",
			input: "HostName=h;DeviceId=d;SharedAccessKey=abc==",
			want:  ConnectionString{HostName: "h", DeviceID: "d", SharedAccessKey: "abc=="},
		},
		{
			name:  "trailing separator",
			input: "HostName=h;DeviceId=d;SharedAccessSignature=SharedAccessSignature sr=x;",
			want:  ConnectionString{HostName: "h", DeviceID: "d", SharedAccessSig: "SharedAccessSignature sr=x"},
		},
		{name: "missing host", input: "DeviceId=d;SharedAccessKey=k", wantErr: true},
		{name: "missing device", input: "HostName=h;SharedAccessKey=k", wantErr: true},
		{name: "missing credential", input: "HostName=h;DeviceId=d", wantErr: true},
		{name: "malformed segment", input: "HostName=h;garbage;DeviceId=d;SharedAccessKey=k", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConnectionString(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConnectionString) {
					t.Fatalf("ParseConnectionString() error = %v, want ErrInvalidConnectionString", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConnectionString() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseConnectionString() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGenerateSAS(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("device-secret"))
	expiry := time.Unix(1760000000, 0)

	token, err := GenerateSAS("Farm.azure-devices.net/devices/esp32-01", key, "", expiry)
	if err != nil {
		t.Fatalf("GenerateSAS() error = %v", err)
	}
	if !strings.HasPrefix(token, "SharedAccessSignature ") {
		t.Fatalf("token = %q, want SharedAccessSignature prefix", token)
	}

	values, err := url.ParseQuery(strings.TrimPrefix(token, "SharedAccessSignature "))
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	if got := values.Get("sr"); got != "farm.azure-devices.net/devices/esp32-01" {
		t.Errorf("sr = %q, want lower-cased resource", got)
	}
	if got := values.Get("se"); got != "1760000000" {
		t.Errorf("se = %q, want 1760000000", got)
	}
	if values.Has("skn") {
		t.Error("skn present for device-scoped key")
	}

	mac := hmac.New(sha256.New, []byte("device-secret"))
	mac.Write([]byte(url.QueryEscape("farm.azure-devices.net/devices/esp32-01") + "\n1760000000"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if got := values.Get("sig"); got != want {
		t.Errorf("sig = %q, want %q", got, want)
	}

	exp, ok := TokenExpiry(token)
	if !ok || !exp.Equal(expiry) {
		t.Errorf("TokenExpiry() = %v, %v, want %v", exp, ok, expiry)
	}
}

func TestGenerateSASPolicyAndBadKey(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("k"))
	token, err := GenerateSAS("h/devices/d", key, "device", time.Unix(1, 0))
	if err != nil {
		t.Fatalf("GenerateSAS() error = %v", err)
	}
	if !strings.HasSuffix(token, "&skn=device") {
		t.Errorf("token = %q, want skn suffix", token)
	}

	if _, err := GenerateSAS("h/devices/d", "%%%not-base64", "", time.Unix(1, 0)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("GenerateSAS(bad key) error = %v, want ErrInvalidKey", err)
	}
}

func TestDevice(t *testing.T) {
	d := Device{HostName: "farm.azure-devices.net", DeviceID: "esp32-01"}

	if got := d.Username(); got != "farm.azure-devices.net/esp32-01/?api-version=2021-04-12" {
		t.Errorf("Username() = %q", got)
	}
	if got := d.ClientID(); got != "esp32-01" {
		t.Errorf("ClientID() = %q", got)
	}
	if got := d.BrokerURL(); got != "ssl://farm.azure-devices.net:8883" {
		t.Errorf("BrokerURL() = %q", got)
	}
	if _, err := d.Password(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Password() error = %v, want ErrNoCredential", err)
	}
	if err := d.Validate(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Validate() error = %v, want ErrNoCredential", err)
	}

	d.SASToken = "SharedAccessSignature sr=x&sig=y&se=1"
	if got, err := d.Password(); err != nil || got != d.SASToken {
		t.Errorf("Password() = %q, %v, want static token", got, err)
	}

	cfg, err := d.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig() error = %v", err)
	}
	if cfg.MinVersion < 0x0303 || cfg.ServerName != "farm.azure-devices.net" {
		t.Errorf("TLSConfig() = min %x server %q", cfg.MinVersion, cfg.ServerName)
	}
}

func TestDevicePasswordFromKey(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := Device{
		HostName: "farm.azure-devices.net",
		DeviceID: "esp32-01",
		Key:      base64.StdEncoding.EncodeToString([]byte("secret")),
		TokenTTL: 30 * time.Minute,
		now:      func() time.Time { return now },
	}

	token, err := d.Password()
	if err != nil {
		t.Fatalf("Password() error = %v", err)
	}
	exp, ok := TokenExpiry(token)
	if !ok || !exp.Equal(now.Add(30*time.Minute)) {
		t.Errorf("expiry = %v, want %v", exp, now.Add(30*time.Minute))
	}
}

func TestHostFor(t *testing.T) {
	if got := HostFor("farm"); got != "farm.azure-devices.net" {
		t.Errorf("HostFor(farm) = %q", got)
	}
	if got := HostFor("farm.example.net"); got != "farm.example.net" {
		t.Errorf("HostFor(fqdn) = %q", got)
	}
}

func TestTopics(t *testing.T) {
	topic := EventsTopic("esp32-01", map[string]string{
		PropMessageID:       "42",
		PropContentType:     "application/json",
		PropContentEncoding: "utf-8",
		"site name":         "north field",
	})
	want := "devices/esp32-01/messages/events/$.ce=utf-8&$.ct=application%2Fjson&$.mid=42&site%20name=north%20field"
	if topic != want {
		t.Fatalf("EventsTopic() = %q, want %q", topic, want)
	}

	info, ok := ParseTopic(topic)
	if !ok {
		t.Fatalf("ParseTopic(%q) not recognised", topic)
	}
	if info.DeviceID != "esp32-01" || info.Class != ClassDeviceToHub {
		t.Errorf("ParseTopic() = %+v", info)
	}
	if info.Properties[PropContentType] != "application/json" || info.Properties["site name"] != "north field" {
		t.Errorf("Properties = %v", info.Properties)
	}

	if got := DeviceBoundFilter("esp32-01"); got != "devices/esp32-01/messages/devicebound/#" {
		t.Errorf("DeviceBoundFilter() = %q", got)
	}
}

func TestParseTopicDeviceBound(t *testing.T) {
	topic := "devices/esp32-01/messages/devicebound/%24.to=%2Fdevices%2Fesp32-01%2Fmessages%2FdeviceBound&%24.cid=abc-123&command=irrigate"
	info, ok := ParseTopic(topic)
	if !ok {
		t.Fatal("ParseTopic() not recognised")
	}
	if info.Class != ClassHubToDevice {
		t.Errorf("Class = %q, want c2d", info.Class)
	}
	if info.Properties[PropCorrelationID] != "abc-123" {
		t.Errorf("$.cid = %q", info.Properties[PropCorrelationID])
	}
	if info.Properties[PropTo] != "/devices/esp32-01/messages/deviceBound" {
		t.Errorf("$.to = %q", info.Properties[PropTo])
	}
	if info.Properties["command"] != "irrigate" {
		t.Errorf("command = %q", info.Properties["command"])
	}
}

func TestParseTopicRejects(t *testing.T) {
	for _, topic := range []string{
		"sensor/data",
		"devices/",
		"devices//messages/events/",
		"devices/d1/twin/res/200",
	} {
		if _, ok := ParseTopic(topic); ok {
			t.Errorf("ParseTopic(%q) recognised, want rejection", topic)
		}
	}
}
