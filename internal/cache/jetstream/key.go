package jetstream

import "strings"

// NATS KV keys may not contain ':'; the status key format uses "::".
var keyReplacer = strings.NewReplacer(":", "_")

func encodeKey(key string) string {
	return keyReplacer.Replace(key)
}
