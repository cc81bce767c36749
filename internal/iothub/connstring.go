package iothub

import (
	"fmt"
	"strings"
)

// ConnectionString is a parsed device connection string:
//
//	HostName=myhub.azure-devices.net;DeviceId=esp32-01;SharedAccessKey=base64==
type ConnectionString struct {
	HostName            string
	DeviceID            string
	ModuleID            string
	SharedAccessKey     string
	SharedAccessKeyName string
	SharedAccessSig     string
}

// ParseConnectionString parses s. HostName and DeviceId are required, as is
// either SharedAccessKey or SharedAccessSignature.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("%w: segment %q has no '='", ErrInvalidConnectionString, part)
		}
		switch key {
		case "HostName":
			cs.HostName = value
		case "DeviceId":
			cs.DeviceID = value
		case "ModuleId":
			cs.ModuleID = value
		case "SharedAccessKey":
			cs.SharedAccessKey = value
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = value
		case "SharedAccessSignature":
			cs.SharedAccessSig = value
		}
	}

	switch {
	case cs.HostName == "":
		return ConnectionString{}, fmt.Errorf("%w: HostName is required", ErrInvalidConnectionString)
	case cs.DeviceID == "":
		return ConnectionString{}, fmt.Errorf("%w: DeviceId is required", ErrInvalidConnectionString)
	case cs.SharedAccessKey == "" && cs.SharedAccessSig == "":
		return ConnectionString{}, fmt.Errorf("%w: SharedAccessKey or SharedAccessSignature is required", ErrInvalidConnectionString)
	}
	return cs, nil
}
