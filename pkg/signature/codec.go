// Package signature converts ECDSA signatures between the DER encoding
// produced by platform authenticators and the fixed-width 64-byte r‖s
// encoding the on-chain verifier expects, and canonicalizes them to low-S
// form.
package signature

import (
	"fmt"
	"math/big"

	"github.com/moonguard/moonguard/pkg/core"
)

const (
	// RawLen is the length of a raw r‖s signature.
	RawLen = 64

	// CompressedPublicKeyLen is the length of a SEC1 compressed P-256 key.
	CompressedPublicKeyLen = 33

	componentLen = 32

	derSequenceTag = 0x30
	derIntegerTag  = 0x02
)

// p256Order is the order of the NIST P-256 (secp256r1) group; the verifier
// accepts only signatures with s <= p256Order/2.
var p256Order, p256HalfOrder *big.Int

func init() {
	p256Order, _ = new(big.Int).SetString(
		"FFFFFFFF00000000FFFFFFFFFFFFFFFFBCE6FAADA7179E84F3B9CAC2FC632551", 16)
	p256HalfOrder = new(big.Int).Rsh(p256Order, 1)
}

// DERToRaw decodes a DER-encoded ECDSA signature into 64 bytes: r and s as
// 32-byte big-endian integers. Two deviations from strict minimal DER are
// repaired: a 33-byte integer whose leading byte is the 0x00 sign byte, and
// integers shorter than 32 bytes (left-padded). Everything else fails with
// core.ErrMalformedSignature.
func DERToRaw(der []byte) ([]byte, error) {
	if len(der) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", core.ErrMalformedSignature, len(der))
	}
	if der[0] != derSequenceTag {
		return nil, fmt.Errorf("%w: leading tag 0x%02x, want SEQUENCE", core.ErrMalformedSignature, der[0])
	}
	body := der[2:]
	if int(der[1]) != len(body) {
		return nil, fmt.Errorf("%w: sequence length %d, have %d bytes", core.ErrMalformedSignature, der[1], len(body))
	}
	r, rest, err := readDERInteger(body)
	if err != nil {
		return nil, err
	}
	s, rest, err := readDERInteger(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", core.ErrMalformedSignature, len(rest))
	}
	raw := make([]byte, RawLen)
	copy(raw[componentLen-len(r):componentLen], r)
	copy(raw[RawLen-len(s):], s)
	return raw, nil
}

func readDERInteger(buf []byte) (value, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated integer", core.ErrMalformedSignature)
	}
	if buf[0] != derIntegerTag {
		return nil, nil, fmt.Errorf("%w: inner tag 0x%02x, want INTEGER", core.ErrMalformedSignature, buf[0])
	}
	n := int(buf[1])
	if n == 0 || n > len(buf)-2 {
		return nil, nil, fmt.Errorf("%w: integer length %d, have %d bytes", core.ErrMalformedSignature, n, len(buf)-2)
	}
	value, rest = buf[2:2+n], buf[2+n:]
	// A 33rd byte is legal only as the sign byte DER adds when the high bit
	// of a 32-byte integer is set.
	if len(value) == componentLen+1 {
		if value[0] != 0x00 {
			return nil, nil, fmt.Errorf("%w: %d-byte integer without sign byte", core.ErrMalformedSignature, len(value))
		}
		value = value[1:]
	}
	if len(value) > componentLen {
		return nil, nil, fmt.Errorf("%w: %d-byte integer", core.ErrMalformedSignature, len(value))
	}
	return value, rest, nil
}

// NormalizeLowS returns the signature with s replaced by order-s when s
// exceeds half the curve order. Applying it twice is a no-op.
func NormalizeLowS(raw []byte) ([]byte, error) {
	if len(raw) != RawLen {
		return nil, fmt.Errorf("%w: raw signature of %d bytes", core.ErrMalformedSignature, len(raw))
	}
	s := new(big.Int).SetBytes(raw[componentLen:])
	if s.Cmp(p256HalfOrder) <= 0 {
		return raw, nil
	}
	out := make([]byte, RawLen)
	copy(out, raw[:componentLen])
	new(big.Int).Sub(p256Order, s).FillBytes(out[componentLen:])
	return out, nil
}

// IsLowS reports whether the signature's s component is canonical.
func IsLowS(raw []byte) bool {
	if len(raw) != RawLen {
		return false
	}
	return new(big.Int).SetBytes(raw[componentLen:]).Cmp(p256HalfOrder) <= 0
}

// CompressPublicKey converts a 65-byte uncompressed SEC1 public key to the
// 33-byte compressed form. Already-compressed keys pass through unchanged.
func CompressPublicKey(pub []byte) ([]byte, error) {
	if len(pub) == CompressedPublicKeyLen && (pub[0] == 0x02 || pub[0] == 0x03) {
		return pub, nil
	}
	if len(pub) != 65 || pub[0] != 0x04 {
		return nil, fmt.Errorf("%w: public key of %d bytes", core.ErrMalformedSignature, len(pub))
	}
	out := make([]byte, CompressedPublicKeyLen)
	if pub[64]&1 == 0 {
		out[0] = 0x02
	} else {
		out[0] = 0x03
	}
	copy(out[1:], pub[1:33])
	return out, nil
}
