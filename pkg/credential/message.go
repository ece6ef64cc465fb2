package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// keyDigestLen is the number of public-key hash bytes embedded in challenge
// messages: enough for the on-chain program to pick the enrolled key that
// must validate the signature, without carrying the full key.
const keyDigestLen = 6

// KeyDigest returns the 12-hex-character digest of a public key used in
// challenge messages.
func KeyDigest(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:keyDigestLen])
}

// ChallengeMessage renders the frozen challenge format verified by the
// on-chain program:
//
//	<verb>:proposal_<id>,guardian_<gid>,timestamp:<unixSeconds>,pubkey:<12 hex>
//
// Any change here is a breaking protocol change.
func ChallengeMessage(verb string, proposalID, guardianID uint64, unixSeconds int64, publicKey []byte) string {
	return fmt.Sprintf("%s:proposal_%d,guardian_%d,timestamp:%d,pubkey:%s",
		verb, proposalID, guardianID, unixSeconds, KeyDigest(publicKey))
}
