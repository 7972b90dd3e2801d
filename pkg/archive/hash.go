package archive

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// HashLength is the length of a hex-encoded payload hash.
const HashLength = 2 * blake2b.Size256

// Canonicalize re-encodes a JSON document with object keys in lexicographic
// order and no insignificant whitespace. Number literals are kept as written.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after payload")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash returns the hex BLAKE2b-256 digest of the canonical form of payload.
func Hash(payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashRecord hashes the record payload.
func HashRecord(r Record) (string, error) {
	h, err := Hash(r.Payload())
	if err != nil {
		return "", errors.Wrapf(err, "hash %s at height %d", r.Kind(), r.BlockHeight())
	}

	return h, nil
}
