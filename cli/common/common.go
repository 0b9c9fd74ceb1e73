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

package common

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/skrimix/stlink-tool/cli/feedback"
	"github.com/skrimix/stlink-tool/cli/globals"
	"github.com/skrimix/stlink-tool/stlink"
	"github.com/skrimix/stlink-tool/usb"
)

// OpenSession claims an ST-Link bootloader and reads its device info,
// exiting with a user-facing message when no usable probe is found.
func OpenSession() *stlink.Session {
	session, err := usb.Open(usb.Options{JLinkSwitch: globals.JLinkSwitch})
	if err != nil {
		if errors.Is(err, usb.ErrNoDevice) {
			feedback.Fatal("No ST-Link in DFU mode found. Replug the ST-Link to flash!", feedback.ErrNoDevice)
		}
		if errors.Is(err, usb.ErrWrongMode) {
			feedback.Fatal("The ST-Link dongle is not in the correct mode. Please unplug and plug the dongle again.", feedback.ErrGeneric)
		}
		feedback.Errorf("Error opening ST-Link: %s", err)
		feedback.FatalError(err, feedback.ErrGeneric)
	}

	if err := session.ReadInfo(); err != nil {
		session.Close()
		feedback.Errorf("Error reading device info: %s", err)
		feedback.FatalError(err, feedback.ErrGeneric)
	}
	return session
}

// CheckMode queries and returns the probe's current mode, exiting when the
// bootloader reports a mode it cannot be flashed in. Replugging the probe
// resets the mode.
func CheckMode(session *stlink.Session) uint16 {
	mode, err := session.CurrentMode()
	if err != nil {
		session.Close()
		feedback.Errorf("Error reading current mode: %s", err)
		feedback.FatalError(err, feedback.ErrGeneric)
	}
	logrus.Infof("Current mode: %d", mode)

	if mode&^uint16(3) != 0 {
		session.Close()
		feedback.Fatal("The ST-Link dongle is not in the correct mode. Please unplug and plug the dongle again.", feedback.ErrGeneric)
	}
	return mode
}
