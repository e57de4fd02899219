// Package verify implements the signature verification pipeline: a
// streaming SHA-384 over the committed-but-not-yet-activated image with
// byte 0 substituted from the held-back register, followed by an
// ECDSA-P384 signature check against a pinned public key. No key is
// compiled into the binary: LoadPublicKey parses the DER bytes the caller
// supplies (internal/updater reads them from the configured
// PublicKeyPath file at startup).
package verify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
)

// HashSize is the SHA-384 digest length.
const HashSize = sha512.Size384

// SignSize is the maximum size of a DER-encoded ECDSA-P384 signature.
const SignSize = 104

// blockSize is the size verify reads the flash-resident image in.
const blockSize = 1024

// ErrNoHeldByte is returned when FlashSource reports no held-back byte 0
// has ever been recorded -- verifying would otherwise hash the 0xFF
// erased-sentinel value instead of the true image byte.
var ErrNoHeldByte = errors.New("verify: no held-back byte 0 recorded for this slot")

// ErrNotP384 is returned when the public key passed to LoadPublicKey isn't
// an ECDSA P-384 key.
var ErrNotP384 = errors.New("verify: public key is not ECDSA P-384")

// FlashSource is the read surface verify needs out of a flash.Writer: the
// slot's bytes, and the one byte it is deliberately withholding from
// flash until Finalize.
type FlashSource interface {
	Read(offset int64, n int) ([]byte, error)
	HeldByte() (byte, bool)
}

// LoadPublicKey parses a DER-encoded SubjectPublicKeyInfo and requires it
// to describe an ECDSA P-384 (secp384r1) key, the pinned trust anchor.
func LoadPublicKey(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("verify: parsing public key: %w", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrNotP384
	}
	if ecdsaPub.Curve != elliptic.P384() {
		return nil, ErrNotP384
	}
	return ecdsaPub, nil
}

// Verify streams filesize bytes out of src, substituting the held-back
// byte for flash's still-0xFF byte 0 in the first block, and checks sig
// against pub over the resulting SHA-384 digest. It returns (false, nil)
// -- not an error -- when the signature simply doesn't match; only I/O
// and precondition failures are returned as errors.
func Verify(src FlashSource, filesize int64, sig []byte, pub *ecdsa.PublicKey) (bool, error) {
	heldByte, held := src.HeldByte()
	if !held {
		return false, ErrNoHeldByte
	}

	h := sha512.New384()
	var offset int64
	first := true
	for offset < filesize {
		n := blockSize
		if remaining := filesize - offset; remaining < int64(n) {
			n = int(remaining)
		}
		block, err := src.Read(offset, n)
		if err != nil {
			return false, fmt.Errorf("verify: reading flash at offset %d: %w", offset, err)
		}
		if first {
			if len(block) == 0 {
				return false, fmt.Errorf("verify: empty first block")
			}
			block[0] = heldByte
			first = false
		}
		h.Write(block)
		offset += int64(n)
	}

	return ecdsa.VerifyASN1(pub, h.Sum(nil), sig), nil
}
