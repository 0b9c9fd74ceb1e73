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

package flash

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/arduino/go-paths-helper"
	"github.com/sirupsen/logrus"
	"github.com/skrimix/stlink-tool/cli/common"
	"github.com/skrimix/stlink-tool/cli/feedback"
	"github.com/skrimix/stlink-tool/cli/globals"
	"github.com/skrimix/stlink-tool/download"
	"github.com/skrimix/stlink-tool/stlink"
	"github.com/spf13/cobra"
)

// NewCommand creates a new `flash` command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flash firmware.bin",
		Short: "Flashes a bootloader firmware to the ST-Link.",
		Long:  "Flashes the given firmware image (a local file or an http(s) URL) to the ST-Link bootloader, then starts the application.",
		Example: "" +
			"  " + os.Args[0] + " flash firmware.bin\n" +
			"  " + os.Args[0] + " flash https://example.com/stlink-firmware.bin\n",
		Args: cobra.ExactArgs(1),
		Run:  runFlash,
	}
}

func runFlash(cmd *cobra.Command, args []string) {
	// at the end cleanup the stlink-tool temp dir
	defer globals.StlinkToolPath.RemoveAll()

	firmwareFile := getFirmwareFile(args[0])

	session := common.OpenSession()
	defer session.Close()
	common.CheckMode(session)

	info := session.Info()
	logrus.Infof("Device %s, loader %d, ID %s", info.FirmwareVersion(), info.LoaderVersion, info.IDString())

	var flasherOut io.Writer = os.Stdout
	if feedback.GetFormat() != feedback.Text {
		flasherOut = io.Discard
	}

	if err := session.FlashFirmware(firmwareFile, flasherOut); err != nil {
		reportFlashError(err)
	}

	// Leave the bootloader and start the freshly flashed application.
	if err := session.ExitDFU(); err != nil {
		feedback.Errorf("Error starting application: %s", err)
		feedback.FatalError(err, feedback.ErrGeneric)
	}

	feedback.Print("Operation completed: success! :-)")
}

// getFirmwareFile resolves the firmware argument: URLs are downloaded to the
// scratch directory first, plain paths must exist.
func getFirmwareFile(arg string) *paths.Path {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		firmwareFile, err := download.DownloadFirmware(arg)
		if err != nil {
			feedback.Fatal(fmt.Sprintf("Error downloading firmware from %s: %s", arg, err), feedback.ErrGeneric)
		}
		logrus.Debugf("firmware file downloaded in %s", firmwareFile.String())
		return firmwareFile
	}

	firmwareFile := paths.New(arg)
	if !firmwareFile.Exist() {
		feedback.Fatal(fmt.Sprintf("firmware file not found in %s", firmwareFile), feedback.ErrBadArgument)
	}
	return firmwareFile
}

// reportFlashError maps the protocol fault kinds onto user-facing messages.
func reportFlashError(err error) {
	switch {
	case errors.Is(err, stlink.ErrWriteProtected):
		feedback.Errorf("Read-only protection active")
	case errors.Is(err, stlink.ErrInvalidAddress):
		feedback.Errorf("Invalid address error")
	}
	feedback.Errorf("Error flashing firmware: %s", err)
	feedback.FatalError(err, feedback.ErrGeneric)
}
