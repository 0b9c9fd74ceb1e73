/*
	stlink-tool
	Copyright (c) 2018 Jean THOMAS.
	Copyright (c) 2022-2024 1BitSquared <info@1bitsquared.com>

	Permission is hereby granted, free of charge, to any person obtaining
	a copy of this software and associated documentation files (the "Software"),
	to deal in the Software without restriction, including without limitation
	the rights to use, copy, modify, merge, publish, distribute, sublicense,
	and/or sell copies of the Software, and to permit persons to whom the
	Software is furnished to do so, subject to the following conditions:
	The above copyright notice and this permission notice shall be included
	in all copies or substantial portions of the Software.

	THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
	EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES
	OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
	IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
	CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
	TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
	SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

package stlink

import (
	"crypto/aes"
	"fmt"
)

// Encryption seeds. The key seeds turn the device-reported key material into
// the session firmware key; payloadKeyV3 is the extra pre-pass applied to
// firmware blocks on v3 probes.
var (
	keySeedV2    = []byte("I am key, wawawa")
	keySeedV3    = []byte(" found...STlink ")
	payloadKeyV3 = []byte(" .ST-Link.ver.3.")
)

// encrypt applies AES-128 to every whole 16-byte block of buf, in place.
// A trailing partial block is left untouched. The host only ever encrypts;
// decryption happens on the device side. A key that is not 16 bytes is a
// programming error, not a runtime condition.
func encrypt(key, buf []byte) {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(fmt.Sprintf("stlink: bad cipher key: %v", err))
	}
	for i := 0; i+aes.BlockSize <= len(buf); i += aes.BlockSize {
		block.Encrypt(buf[i:i+aes.BlockSize], buf[i:i+aes.BlockSize])
	}
}

// deriveFirmwareKey turns the raw device-identity bytes into the firmware
// encryption key by running them through the cipher under the per-family
// seed. Matches the key generation done by ST's updater.
func deriveFirmwareKey(stlinkVersion int, material *[16]byte) {
	seed := keySeedV2
	if stlinkVersion >= 3 {
		seed = keySeedV3
	}
	encrypt(seed, material[:])
}
