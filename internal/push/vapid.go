package push

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// VAPIDKeys is a VAPID key pair in URL-safe base64
type VAPIDKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// GenerateVAPIDKeys creates a fresh P-256 VAPID key pair
func GenerateVAPIDKeys() (VAPIDKeys, error) {
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	return VAPIDKeys{PublicKey: public, PrivateKey: private}, nil
}

// ValidateVAPIDPublicKey checks that key decodes to an uncompressed P-256
// point, the form push platforms accept as applicationServerKey
func ValidateVAPIDPublicKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("VAPID public key is empty")
	}
	raw, err := decodeKey(key)
	if err != nil {
		return fmt.Errorf("VAPID public key is not base64: %w", err)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return fmt.Errorf("VAPID public key is not a P-256 point: %w", err)
	}
	return nil
}

// decodeKey accepts padded and unpadded URL-safe base64
func decodeKey(key string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
}
