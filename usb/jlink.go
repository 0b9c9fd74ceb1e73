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

package usb

import (
	"fmt"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// jlinkEnterSTBootloader is the J-Link command that makes a converted
// ST-Link re-enumerate in the ST-Link bootloader. Commands go to EP2 OUT,
// responses come from EP1 IN.
const jlinkEnterSTBootloader = 0x06

// switchJLink sends the bootloader activation command to a J-Link. A read
// failure on the response is tolerated: the device usually disconnects
// right away to re-enumerate.
func switchJLink(dev *gousb.Device) error {
	transport, err := newBulkTransport(dev, 1, 2)
	if err != nil {
		return fmt.Errorf("claiming J-Link interface: %w", err)
	}
	defer transport.release()

	if _, err := transport.Write([]byte{jlinkEnterSTBootloader}); err != nil {
		return fmt.Errorf("sending J-Link bootloader command: %w", err)
	}

	resp := make([]byte, 1)
	if _, err := transport.Read(resp); err != nil {
		logrus.Debugf("J-Link response read failed (%v), device may have disconnected", err)
		return nil
	}

	// 0x00 means already in bootloader, 0x01 means switching now.
	if resp[0] != 0x00 && resp[0] != 0x01 {
		return fmt.Errorf("unexpected J-Link bootloader response: 0x%02X", resp[0])
	}
	return nil
}
