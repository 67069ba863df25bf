package engine

import (
	"encoding/base64"
	"strings"
)

// minReceiptLength is the shortest plausible encoded receipt.
const minReceiptLength = 32

// receiptBlacklist holds substrings seen in shared/cracked receipt blobs.
var receiptBlacklist = []string{"fake", "hacked", "cracked", "pirate"}

// ValidateReceiptFormat applies the format/tamper heuristic to an opaque
// receipt blob. This is not cryptographic verification: it rejects receipts
// that are empty, too short, not base64, or that contain known tamper
// markers.
func ValidateReceiptFormat(receipt []byte) bool {
	if len(receipt) < minReceiptLength {
		return false
	}

	raw := strings.TrimSpace(string(receipt))
	lowered := strings.ToLower(raw)
	for _, marker := range receiptBlacklist {
		if strings.Contains(lowered, marker) {
			return false
		}
	}

	if _, err := base64.StdEncoding.DecodeString(raw); err != nil {
		return false
	}

	return true
}
