package session

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// DeviceAuth is the identity carried by the session service JWT. The token
// is parsed unverified client-side; the service is the one that verifies it.
type DeviceAuth struct {
	DeviceId  string
	ContextId string
}

func ParseDeviceAuthUnverified(byJwt string) (*DeviceAuth, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	auth := &DeviceAuth{}
	if deviceId, ok := claims["device_id"].(string); ok {
		auth.DeviceId = deviceId
	}
	if contextId, ok := claims["context_id"].(string); ok {
		auth.ContextId = contextId
	}
	return auth, nil
}
