package securesession

// KDF labels, each scoping a derivation to a single purpose so that no two
// operations in this package ever consume HKDF output from the same
// (secret, label, contexts) triple. Named after the teacher's
// hkdfInfoHandshake/hkdfInfoSession constants in shared/protocol/handshake.go.
const (
	labelSessionID   = "secure-session-id"
	labelMasterKey   = "secure-session-master-key"
	labelDirectional = "secure-session-directional-key"
)

const (
	// SessionIDSize is the width of the derived session_id (§4.3).
	SessionIDSize = 8
	// MasterKeySize is the width of the derived session_master_key (§4.3).
	MasterKeySize = 32
)
