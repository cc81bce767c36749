package iothub

import "errors"

var (
	// ErrInvalidConnectionString is returned when a connection string is missing
	// a required segment or is malformed.
	ErrInvalidConnectionString = errors.New("iothub: invalid connection string")

	// ErrInvalidKey is returned when a shared access key is not valid base64.
	ErrInvalidKey = errors.New("iothub: invalid shared access key")

	// ErrNoCredential is returned when neither a token nor a key is available.
	ErrNoCredential = errors.New("iothub: no SAS token or device key configured")
)
