// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package content

import (
	"encoding/binary"
	"fmt"

	"github.com/overlayfs/overlay/overlay"
)

// HeaderSize is the fixed length of the integrity header every stored
// file is prefixed by. Logical byte 0 of a file's content starts
// immediately after it.
const HeaderSize = 64

const (
	fileMagic   uint32 = 0x4f56464c // "OVFL"
	fileVersion uint32 = 1
)

// header is encoded little-endian: magic, version, inode (for
// cross-check), then zero-filled reserved bytes out to HeaderSize.
func encodeHeader(inode overlay.InodeNumber) [HeaderSize]byte {
	var h [HeaderSize]byte
	binary.LittleEndian.PutUint32(h[0:4], fileMagic)
	binary.LittleEndian.PutUint32(h[4:8], fileVersion)
	binary.LittleEndian.PutUint64(h[8:16], uint64(inode))
	return h
}

// decodeAndVerifyHeader parses a header previously written by
// encodeHeader and checks that it names the expected magic, a supported
// version, and the given inode number.
func decodeAndVerifyHeader(buf []byte, inode overlay.InodeNumber) error {
	if len(buf) != HeaderSize {
		return fmt.Errorf("short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != fileMagic {
		return fmt.Errorf("bad magic %#x, want %#x", magic, fileMagic)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != fileVersion {
		return fmt.Errorf("unsupported file record version %d", version)
	}
	got := overlay.InodeNumber(binary.LittleEndian.Uint64(buf[8:16]))
	if got != inode {
		return fmt.Errorf("header names inode %d, expected %d", got, inode)
	}
	return nil
}
