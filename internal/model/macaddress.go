package model

import (
	"encoding/json"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// Address is a canonical, upper-case, colon-separated BR/EDR MAC address
// ("AA:BB:CC:DD:EE:FF"). It is the stable identity of a PersistedDevice
// and RuntimeDevice, matching spec §3.
//
// Modeled on the teacher's vendored api/bluetooth/macaddress.go, which
// wraps a raw 6-byte address with String()/validation helpers; ours is a
// plain string type since the daemon never needs the raw bytes, only
// comparison, canonical formatting, and the underscored form PulseAudio
// sink names use.
type Address string

// ParseAddress validates and canonicalizes s into an Address.
func ParseAddress(s string) (Address, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return "", fault.New("malformed address",
			ftag.With(ftag.Internal),
			fmsg.With("address must have 6 colon-separated octets: "+s))
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p[0]) || !isHex(p[1]) {
			return "", fault.New("malformed address",
				ftag.With(ftag.Internal),
				fmsg.With("address octet is not two hex digits: "+s))
		}
	}
	return Address(s), nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// String returns the canonical colon form.
func (a Address) String() string { return string(a) }

// Underscored returns the form PulseAudio uses in sink names, e.g.
// "AA_BB_CC_DD_EE_FF", per spec §4.6's naming convention.
func (a Address) Underscored() string {
	return strings.ReplaceAll(string(a), ":", "_")
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}
