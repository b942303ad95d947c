// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is the keyed BLAKE3 hash of a plan's uncompressed bytes.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// digestKey separates plan digests from any other BLAKE3 use of the
// same bytes.
var digestKey = [32]byte{
	's', 'e', 'm', 'a', 'p', 'h', 'o', 'r', 'e', '.', 'p', 'l', 'a', 'n', '.',
	'a', 'r', 't', 'i', 'f', 'a', 'c', 't',
}

func newHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		// NewKeyed fails only for a key that is not 32 bytes.
		panic(err)
	}
	return hasher
}

func sum(hasher *blake3.Hasher) Digest {
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// On-disk header: magic, format version, digest.
var magic = [4]byte{'S', 'P', 'L', 'N'}

const (
	formatVersion = 1
	headerSize    = len(magic) + 1 + len(Digest{})
)

func encodeHeader(digest Digest) []byte {
	header := make([]byte, 0, headerSize)
	header = append(header, magic[:]...)
	header = append(header, formatVersion)
	return append(header, digest[:]...)
}

func readHeader(path string) (Digest, os.FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, nil, err
	}
	defer file.Close()
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return Digest{}, nil, fmt.Errorf("reading header: %w", err)
	}
	if [4]byte(header[:4]) != magic || header[4] != formatVersion {
		return Digest{}, nil, fmt.Errorf("not a plan artifact")
	}
	info, err := file.Stat()
	if err != nil {
		return Digest{}, nil, err
	}
	var digest Digest
	copy(digest[:], header[5:])
	return digest, info, nil
}
