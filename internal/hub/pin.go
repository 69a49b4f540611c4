package hub

import (
	"crypto/rand"
	"fmt"
)

// PINDisabled is the configured PIN value that turns the /register gate off.
const PINDisabled = "disabled"

const pinAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// GeneratePIN returns a random 6-character alphanumeric PIN. The alphabet
// drops lookalike characters since operators read the PIN off a log line.
func GeneratePIN() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	for i, b := range buf {
		buf[i] = pinAlphabet[int(b)%len(pinAlphabet)]
	}
	return string(buf), nil
}

// ResolvePIN maps the configured value to the effective PIN. Empty means
// mint a random one; "disabled" turns the gate off and returns "".
func ResolvePIN(configured string) (pin string, enabled bool, err error) {
	switch configured {
	case PINDisabled:
		return "", false, nil
	case "":
		pin, err = GeneratePIN()
		return pin, true, err
	default:
		return configured, true, nil
	}
}
