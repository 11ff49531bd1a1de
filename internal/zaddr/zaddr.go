package zaddr

import "strings"

// Type enumerates recognised Zcash address families.
type Type string

const (
	TypeTransparent Type = "transparent"
	TypeSapling     Type = "sapling"
	TypeUnified     Type = "unified"
	TypeSprout      Type = "sprout"
	TypeUnknown     Type = "unknown"
)

// Classification describes a destination address shape.
type Classification struct {
	Valid    bool `json:"valid"`
	Type     Type `json:"type"`
	Shielded bool `json:"shielded"`
}

// Classify inspects an address by prefix and length. It is intentionally
// shallow: no checksum or bech32 decoding, only enough shape detection to
// drive fee estimation and basic request validation.
func Classify(address string) Classification {
	address = strings.TrimSpace(address)

	switch {
	case hasAnyPrefix(address, "t1", "t3") && len(address) == 35:
		return Classification{Valid: true, Type: TypeTransparent}
	case hasAnyPrefix(address, "tm", "t2") && len(address) == 35:
		// Testnet transparent.
		return Classification{Valid: true, Type: TypeTransparent}
	case strings.HasPrefix(address, "zs") && len(address) >= 70 && len(address) <= 90:
		return Classification{Valid: true, Type: TypeSapling, Shielded: true}
	case strings.HasPrefix(address, "u1") && len(address) >= 50 && len(address) <= 500:
		return Classification{Valid: true, Type: TypeUnified, Shielded: true}
	case strings.HasPrefix(address, "zc") && len(address) == 95:
		return Classification{Valid: true, Type: TypeSprout, Shielded: true}
	}

	return Classification{Type: TypeUnknown}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
