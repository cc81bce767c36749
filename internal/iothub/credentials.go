package iothub

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIVersion is the MQTT API version requested in the username.
const DefaultAPIVersion = "2021-04-12"

// DefaultPort is the MQTT-over-TLS port of the hub.
const DefaultPort = 8883

// DefaultTokenTTL is the lifetime of tokens generated from a device key.
const DefaultTokenTTL = time.Hour

// Device holds everything needed to open an MQTT session as a hub device.
//
// Either SASToken or Key must be set. With a Key, a fresh token is minted
// for every connection attempt so reconnects never present an expired one.
type Device struct {
	HostName   string
	DeviceID   string
	APIVersion string
	Port       int
	SASToken   string
	Key        string
	KeyName    string
	TokenTTL   time.Duration
	CAFile     string

	// now is replaced in tests.
	now func() time.Time
}

// HostFor returns the hub host for a short hub name. Names that already
// contain a dot are returned unchanged.
func HostFor(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".azure-devices.net"
}

// FromConnectionString builds a Device from a parsed connection string.
func FromConnectionString(cs ConnectionString) Device {
	return Device{
		HostName: cs.HostName,
		DeviceID: cs.DeviceID,
		SASToken: cs.SharedAccessSig,
		Key:      cs.SharedAccessKey,
		KeyName:  cs.SharedAccessKeyName,
	}
}

// ClientID returns the MQTT client identifier, which must equal the device id.
func (d Device) ClientID() string {
	return d.DeviceID
}

// Username returns "{host}/{deviceId}/?api-version={version}".
func (d Device) Username() string {
	version := d.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	return d.HostName + "/" + d.DeviceID + "/?api-version=" + version
}

// Password returns the SAS token presented on connect.
func (d Device) Password() (string, error) {
	if d.Key != "" {
		ttl := d.TokenTTL
		if ttl <= 0 {
			ttl = DefaultTokenTTL
		}
		now := time.Now
		if d.now != nil {
			now = d.now
		}
		return GenerateSAS(DeviceResourceURI(d.HostName, d.DeviceID), d.Key, d.KeyName, now().Add(ttl))
	}
	if d.SASToken != "" {
		return d.SASToken, nil
	}
	return "", ErrNoCredential
}

// Address returns host:port for the TLS dial.
func (d Device) Address() string {
	port := d.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(d.HostName, strconv.Itoa(port))
}

// BrokerURL returns the ssl:// URL used by the MQTT client.
func (d Device) BrokerURL() string {
	return "ssl://" + d.Address()
}

// TLSConfig returns a TLS 1.2+ client config verifying the hub certificate.
// CAFile adds a custom root, which is only needed behind intercepting proxies
// or for private test hubs.
func (d Device) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: d.HostName,
	}
	if d.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(d.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", d.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Validate checks the device has enough to connect.
func (d Device) Validate() error {
	if d.HostName == "" {
		return fmt.Errorf("iothub: host name is required")
	}
	if d.DeviceID == "" {
		return fmt.Errorf("iothub: device id is required")
	}
	if d.Key == "" && d.SASToken == "" {
		return ErrNoCredential
	}
	return nil
}
