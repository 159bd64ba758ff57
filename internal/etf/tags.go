package etf

// Wire tag bytes — these values are protocol constants, not implementation
// choices, and must never be renumbered.
const (
	tagVersion = 131 // 0x83, prefixes every top-level encoded term

	tagAtomLatin1Legacy = 100 // atom, Latin-1, decode-only emission avoided
	tagAtomSmallLatin1  = 115
	tagAtomUTF8         = 118
	tagSmallAtomUTF8    = 119
	tagAtomCacheRef     = 82

	tagSmallInteger = 97  // u8
	tagInteger      = 98  // i32 big-endian
	tagSmallBig     = 110 // (len u8, sign, bytes)
	tagLargeBig     = 111 // (len u32, sign, bytes)

	tagFloat       = 70 // IEEE-754 double, big-endian
	tagFloatLegacy = 99 // ASCII float string, decode-only

	tagSmallTuple = 104 // u8 arity
	tagLargeTuple = 105 // u32 arity
	tagNil        = 106
	tagString     = 107 // byte list shorthand
	tagList       = 108
	tagMap        = 116 // u32 arity

	tagBinary    = 109
	tagBitBinary = 77

	tagNewPid      = 88
	tagNewerRef    = 90
	tagV4Port      = 120
	tagPortLegacy  = 102
	tagPidLegacy   = 103
	tagRefLegacy   = 101
	tagNewRefLegacy = 114
	tagLocal       = 121 // decode-only

	tagNewFun     = 112
	tagExportFun  = 113

	tagDistHeader         = 68
	tagDistHeaderFragment = 69

	tagCompressed = 80 // decode-only, zlib-wrapped
)

// MaxAtomBytes is the largest legal atom byte length .
const MaxAtomBytes = 255

// MaxPidID is the exclusive upper bound on Pid.ID before it wraps (2^20).
const MaxPidID = 1 << 20
