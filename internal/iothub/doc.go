// Package iothub implements the device side of a cloud IoT hub's MQTT
// surface: connection strings, shared access signature tokens, device-scoped
// topics and message property bags.
//
// A device authenticates with client id = device id, username
// "{host}/{deviceId}/?api-version={version}" and a SAS token as password,
// over TLS 1.2 or later on port 8883.
//
// Topics:
//
//	devices/{deviceId}/messages/events/{property_bag}      device-to-cloud
//	devices/{deviceId}/messages/devicebound/#              cloud-to-device
//
// The property bag is a URL-encoded list of key=value pairs. System
// properties use the "$." prefix ($.mid message id, $.cid correlation id,
// $.ct content type, $.ce content encoding); anything else is an application
// property.
package iothub
