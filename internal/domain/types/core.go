package types

// Fingerprint is a short identifier for public keys presented to users and logs.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// Event kinds used by the marketplace protocol.
const (
	KindRumor         = 14
	KindSeal          = 13
	KindGiftWrap      = 1059
	KindZapRequest    = 9734
	KindZapReceipt    = 9735
	KindRemoteSigning = 24133
)
