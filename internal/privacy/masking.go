package privacy

import (
	"encoding/json"
	"net/url"
	"strings"
)

const secretMask = "***MASKED***"

// MaskUserID masks a user identifier, keeping the last 4 characters
// Example: "5b1c0e2a-user" -> "*********user"
func MaskUserID(userID string) string {
	return maskString(userID, 4)
}

// MaskEndpoint keeps the scheme and host of a push endpoint and masks the
// per-device path
// Example: "https://fcm.googleapis.com/fcm/send/abc123" -> "https://fcm.googleapis.com/***0123"
func MaskEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return maskString(endpoint, 4)
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/***" + lastN(path, 4)
}

// MaskSecret hides a secret completely
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return secretMask
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// maskValue masks one field by name. ok is false for fields that are kept.
func maskValue(key string, v interface{}) (interface{}, bool) {
	s, isString := v.(string)

	switch strings.ToLower(key) {
	case "user_id", "userid", "usuario_id", "contact_id":
		if isString {
			return MaskUserID(s), true
		}
	case "endpoint", "push_endpoint":
		if isString {
			return MaskEndpoint(s), true
		}
	case "p256dh", "auth", "api_key", "apikey", "access_token", "authorization", "secret", "password", "token":
		if isString {
			return MaskSecret(s), true
		}
		return secretMask, true
	}
	return v, false
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		masked[k], _ = maskValue(k, v)
	}
	return masked
}

// MaskJSON masks sensitive fields at any depth of a JSON document. Input
// that is not JSON is returned unchanged.
func MaskJSON(data []byte) string {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return string(data)
	}

	out, err := json.Marshal(maskTree(doc))
	if err != nil {
		return string(data)
	}
	return string(out)
}

func maskTree(node interface{}) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if masked, ok := maskValue(key, child); ok {
				v[key] = masked
				continue
			}
			v[key] = maskTree(child)
		}
		return v
	case []interface{}:
		for i, child := range v {
			v[i] = maskTree(child)
		}
		return v
	default:
		return v
	}
}
