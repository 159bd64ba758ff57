package handshake

import "github.com/edpclient/edp/internal/edperr"

// Flag is one bit of the 64-bit distribution capability set negotiated
// during the name/status exchange .
type Flag uint64

const (
	FlagExtendedReferences Flag = 1 << 0
	FlagDistMonitor        Flag = 1 << 2
	FlagFunTags            Flag = 1 << 4
	FlagDistMonitorName    Flag = 1 << 7
	FlagHiddenAtomCache    Flag = 1 << 8
	FlagNewFunTags         Flag = 1 << 9
	FlagExtendedPidsPorts  Flag = 1 << 11
	FlagUTF8Atoms          Flag = 1 << 16
	FlagMapTag             Flag = 1 << 17
	FlagBigCreation        Flag = 1 << 18
	FlagSendSender         Flag = 1 << 19
	FlagBigSeqTraceLabels  Flag = 1 << 20
	FlagExitPayload        Flag = 1 << 24
	FlagFragments          Flag = 1 << 25
	FlagHandshake23        Flag = 1 << 26
	FlagUnlinkID           Flag = 1 << 27
	FlagSpawn              Flag = 1 << 32
	FlagNameMe             Flag = 1 << 33
	FlagV4NC               Flag = 1 << 34
	FlagAlias              Flag = 1 << 35
)

// MandatoryFlags are the OTP-26 bits every peer must advertise. A peer
// missing any of these fails the handshake with MissingMandatoryFlagsError.
const MandatoryFlags = FlagExtendedReferences | FlagUTF8Atoms | FlagHandshake23 | FlagV4NC | FlagUnlinkID

var mandatoryFlagNames = map[Flag]string{
	FlagExtendedReferences: "EXTENDED_REFERENCES",
	FlagUTF8Atoms:          "UTF8_ATOMS",
	FlagHandshake23:        "HANDSHAKE_23",
	FlagV4NC:               "V4_NC",
	FlagUnlinkID:           "UNLINK_ID",
}

// DefaultFlags are the flags this client advertises in its own name
// message: the mandatory set plus the common optional bits
// (FRAGMENTS, SPAWN, ALIAS, DIST_MONITOR, DIST_MONITOR_NAME).
const DefaultFlags = MandatoryFlags | FlagFragments | FlagSpawn | FlagAlias | FlagDistMonitor | FlagDistMonitorName

// CheckMandatory verifies peerFlags carries every bit in MandatoryFlags,
// returning MissingMandatoryFlagsError naming each absent bit if not.
func CheckMandatory(peerFlags Flag) error {
	var missing []string
	for bit, name := range mandatoryFlagNames {
		if peerFlags&bit == 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &edperr.MissingMandatoryFlagsError{Missing: missing}
	}
	return nil
}

// Negotiate returns the intersection of local and peer flags: the
// negotiated capability set recorded on the connection.
func Negotiate(local, peer Flag) Flag {
	return local & peer
}
