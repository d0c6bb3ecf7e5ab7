package gate

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// MaxClientKeyLen bounds client-supplied idempotency keys.
const MaxClientKeyLen = 255

// DeriveKey computes the idempotency key of a submission that did not carry one.
// Two submissions with the same subject, kind and semantically equal payload in
// the same time bucket get the same key; key order and whitespace in the payload
// do not matter.
func DeriveKey(subject, kind string, payload []byte, submittedAt time.Time, bucket time.Duration) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	writeField(h, []byte(subject))
	writeField(h, []byte(kind))
	writeField(h, canonical)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(bucketStart(submittedAt, bucket).Unix()))
	_, _ = h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeField length-prefixes b so that field boundaries cannot be forged.
func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(b)
}

func bucketStart(t time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(bucket)
}

// validClientKey accepts 1..MaxClientKeyLen printable ASCII characters.
func validClientKey(k string) bool {
	if len(k) == 0 || len(k) > MaxClientKeyLen {
		return false
	}
	for i := 0; i < len(k); i++ {
		if k[i] < 0x21 || k[i] > 0x7e {
			return false
		}
	}
	return true
}
