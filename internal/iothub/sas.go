package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GenerateSAS builds a shared access signature token for resourceURI that
// expires at expiry. key is the base64 shared access key; policy may be empty
// for device-scoped keys.
func GenerateSAS(resourceURI, key, policy string, expiry time.Time) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	sr := url.QueryEscape(strings.ToLower(resourceURI))
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se)
	if policy != "" {
		token += "&skn=" + url.QueryEscape(policy)
	}
	return token, nil
}

// TokenExpiry extracts the se= expiry from a SAS token.
func TokenExpiry(token string) (time.Time, bool) {
	body := strings.TrimPrefix(token, "SharedAccessSignature ")
	values, err := url.ParseQuery(body)
	if err != nil {
		return time.Time{}, false
	}
	se, err := strconv.ParseInt(values.Get("se"), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(se, 0), true
}

// DeviceResourceURI returns the resource a device token is scoped to.
func DeviceResourceURI(host, deviceID string) string {
	return host + "/devices/" + deviceID
}
