package handshake

import (
	"crypto/md5"
	"strconv"
)

// ComputeDigest implements the "Digest": MD5(cookie ||
// decimal_ascii(challenge)), returned as the raw 16-byte sum. crypto/md5 is
// used unconditionally here — the wire format mandates MD5, so no
// third-party hash library is ever an appropriate substitute (DESIGN.md).
func ComputeDigest(challenge uint32, cookie string) [16]byte {
	input := cookie + strconv.FormatUint(uint64(challenge), 10)
	return md5.Sum([]byte(input))
}

// VerifyDigest reports whether got matches the digest computed over
// challenge and cookie, comparing all 16 bytes.
func VerifyDigest(got [16]byte, challenge uint32, cookie string) bool {
	want := ComputeDigest(challenge, cookie)
	return got == want
}
