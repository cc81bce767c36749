package iothub

import (
	"net/url"
	"sort"
	"strings"
)

// System property keys carried in a property bag.
const (
	PropMessageID       = "$.mid"
	PropCorrelationID   = "$.cid"
	PropContentType     = "$.ct"
	PropContentEncoding = "$.ce"
	PropTo              = "$.to"
)

// Message classes derived from a hub topic.
const (
	ClassDeviceToHub = "d2c"
	ClassHubToDevice = "c2d"
)

const (
	eventsSegment      = "/messages/events/"
	deviceboundSegment = "/messages/devicebound/"
)

// EventsTopic returns the device-to-cloud topic for deviceID with props
// appended as a property bag.
func EventsTopic(deviceID string, props map[string]string) string {
	return "devices/" + deviceID + eventsSegment + EncodeProperties(props)
}

// DeviceBoundFilter returns the subscription filter for cloud-to-device
// messages addressed to deviceID.
func DeviceBoundFilter(deviceID string) string {
	return "devices/" + deviceID + deviceboundSegment + "#"
}

// EncodeProperties renders props as a property bag with keys sorted.
// System property keys are written literally; everything else is escaped.
func EncodeProperties(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		if strings.HasPrefix(k, "$.") {
			b.WriteString(k)
		} else {
			b.WriteString(escape(k))
		}
		b.WriteByte('=')
		b.WriteString(escape(props[k]))
	}
	return b.String()
}

// DecodeProperties parses a property bag. Malformed pairs are skipped.
func DecodeProperties(bag string) map[string]string {
	props := make(map[string]string)
	for _, pair := range strings.Split(bag, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil || key == "" {
			continue
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		props[key] = value
	}
	return props
}

// TopicInfo describes a device-scoped hub topic.
type TopicInfo struct {
	DeviceID   string
	Class      string
	Properties map[string]string
}

// ParseTopic recognises device-to-cloud and cloud-to-device topics.
func ParseTopic(topic string) (TopicInfo, bool) {
	rest, ok := strings.CutPrefix(topic, "devices/")
	if !ok {
		return TopicInfo{}, false
	}
	deviceID, tail, ok := strings.Cut(rest, "/")
	if !ok || deviceID == "" {
		return TopicInfo{}, false
	}
	tail = "/" + tail

	switch {
	case strings.HasPrefix(tail, eventsSegment):
		return TopicInfo{
			DeviceID:   deviceID,
			Class:      ClassDeviceToHub,
			Properties: DecodeProperties(strings.TrimPrefix(tail, eventsSegment)),
		}, true
	case strings.HasPrefix(tail, deviceboundSegment):
		return TopicInfo{
			DeviceID:   deviceID,
			Class:      ClassHubToDevice,
			Properties: DecodeProperties(strings.TrimPrefix(tail, deviceboundSegment)),
		}, true
	}
	return TopicInfo{}, false
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
