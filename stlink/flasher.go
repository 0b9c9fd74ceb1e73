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
	"fmt"
	"io"

	"github.com/arduino/go-paths-helper"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"
)

// chunkSize is the fixed transfer stride. Firmware blocks always travel as
// whole 1 KiB payloads; a short final chunk is zero-padded.
const chunkSize = 1024

// Application base offsets in the target flash, one per bootloader family.
const (
	baseOffsetV2 uint32 = 0x08004000
	baseOffsetV3 uint32 = 0x08020000
)

// sectorStart lists the start addresses of the flash sectors a v3 bootloader
// can erase by index. The sector sizes grow in the powers of two typical of
// the target's flash layout; firmware images are assumed to start and end on
// these boundaries, and chunks whose address matches no entry need no erase.
var sectorStart = [8]uint32{
	0x08000000,
	0x08004000,
	0x08008000,
	0x0800C000,
	0x08010000,
	0x08020000,
	0x08040000,
	0x08060000,
}

// FlashFirmware walks the firmware image onto the device flash: the image is
// mapped read-only, iterated in 1 KiB strides, and every chunk goes through
// erase (strategy per bootloader family), set-address and an encrypted block
// download. Any failure aborts immediately with its fault kind preserved;
// there is no retry and no resume, and sectors already written stay written.
// A progress marker per chunk goes to flasherOut.
func (s *Session) FlashFirmware(firmwareFile *paths.Path, flasherOut io.Writer) error {
	logrus.Infof("Flashing firmware %s", firmwareFile)

	firmware, err := mmap.Open(firmwareFile.String())
	if err != nil {
		err = fmt.Errorf("opening firmware %s: %w", firmwareFile, err)
		logrus.Error(err)
		return err
	}
	defer firmware.Close()

	size := firmware.Len()
	if size == 0 {
		err = fmt.Errorf("firmware %s is empty", firmwareFile)
		logrus.Error(err)
		return err
	}

	base := baseOffsetV2
	if s.bootloader == BootloaderV3 {
		base = baseOffsetV3
	}
	logrus.Infof("Bootloader type %s, %d bytes at 0x%08X", s.bootloader, size, base)

	chunk := make([]byte, chunkSize)
	for flashed := 0; flashed < size; flashed += chunkSize {
		address := base + uint32(flashed)

		if s.bootloader == BootloaderV3 {
			if err := s.eraseSectorAt(address, flasherOut); err != nil {
				return err
			}
		} else {
			if err := s.Erase(address); err != nil {
				err = fmt.Errorf("erase at 0x%08X: %w", address, err)
				logrus.Error(err)
				return err
			}
		}

		if err := s.SetAddress(address); err != nil {
			err = fmt.Errorf("set address at 0x%08X: %w", address, err)
			logrus.Error(err)
			return err
		}

		amount := size - flashed
		if amount > chunkSize {
			amount = chunkSize
		}
		if _, err := firmware.ReadAt(chunk[:amount], int64(flashed)); err != nil {
			err = fmt.Errorf("reading firmware at %d: %w", flashed, err)
			logrus.Error(err)
			return err
		}
		for i := amount; i < chunkSize; i++ {
			chunk[i] = 0
		}

		if err := s.Download(chunk, 2); err != nil {
			err = fmt.Errorf("download at 0x%08X: %w", address, err)
			logrus.Error(err)
			return err
		}

		flasherOut.Write([]byte("."))
	}
	flasherOut.Write([]byte("\n"))
	logrus.Info("Firmware flashed")
	return nil
}

// eraseSectorAt erases the sector starting exactly at address, if any. The v3
// bootloader erases by sector index only; addresses between table entries get
// no erase of their own since the enclosing sector was erased when its start
// address came up.
func (s *Session) eraseSectorAt(address uint32, flasherOut io.Writer) error {
	for i, start := range sectorStart {
		if start != address {
			continue
		}
		if err := s.SectorErase(uint8(i)); err != nil {
			err = fmt.Errorf("erase sector %d: %w", i, err)
			logrus.Error(err)
			return err
		}
		fmt.Fprintf(flasherOut, "Erased sector %d\n", i)
		return nil
	}
	return nil
}
