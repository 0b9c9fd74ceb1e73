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

package cli

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/skrimix/stlink-tool/cli/boot"
	"github.com/skrimix/stlink-tool/cli/feedback"
	"github.com/skrimix/stlink-tool/cli/flash"
	"github.com/skrimix/stlink-tool/cli/globals"
	"github.com/skrimix/stlink-tool/cli/probe"
	"github.com/skrimix/stlink-tool/cli/version"
	v "github.com/skrimix/stlink-tool/version"
	"github.com/spf13/cobra"
)

var (
	outputFormat string
	verbose      bool
	logFile      string
	logFormat    string
	logLevel     string
)

// NewCommand creates a new stlink-tool root command
func NewCommand() *cobra.Command {
	stlinkToolCli := &cobra.Command{
		Use:              "stlink-tool",
		Short:            "stlink-tool.",
		Long:             "ST-Link bootloader firmware updater (stlink-tool).",
		Example:          "  " + os.Args[0] + " <command> [flags...]",
		Args:             cobra.NoArgs,
		PersistentPreRun: preRun,
	}

	stlinkToolCli.AddCommand(probe.NewCommand())
	stlinkToolCli.AddCommand(flash.NewCommand())
	stlinkToolCli.AddCommand(boot.NewCommand())
	stlinkToolCli.AddCommand(version.NewCommand())

	stlinkToolCli.PersistentFlags().BoolVarP(&globals.JLinkSwitch, "jlink", "j", false, "Switch a J-Link (converted ST-Link) back to the ST-Link bootloader before proceeding")

	stlinkToolCli.PersistentFlags().StringVar(&outputFormat, "format", "text", "The output format, can be {text|json}.")

	stlinkToolCli.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to the file where logs will be written")
	stlinkToolCli.PersistentFlags().StringVar(&logFormat, "log-format", "", "The output format for the logs, can be {text|json}.")
	stlinkToolCli.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Messages with this level and above will be logged. Valid levels are: trace, debug, info, warn, error, fatal, panic")
	stlinkToolCli.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print the logs on the standard output.")

	return stlinkToolCli
}

// Convert the string passed to the `--log-level` option to the corresponding
// logrus formal level.
func toLogLevel(s string) (t logrus.Level, found bool) {
	t, found = map[string]logrus.Level{
		"trace": logrus.TraceLevel,
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"fatal": logrus.FatalLevel,
		"panic": logrus.PanicLevel,
	}[s]

	return
}

func preRun(cmd *cobra.Command, args []string) {
	// Prepare logging
	if verbose {
		// if we print on stdout, do it in full colors
		logrus.SetOutput(colorable.NewColorableStdout())
		logrus.SetFormatter(&logrus.TextFormatter{
			ForceColors: true,
		})
	} else {
		logrus.SetOutput(io.Discard)
	}

	// Normalize the format strings
	logFormat = strings.ToLower(logFormat)
	if logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			feedback.Errorf("Unable to open file for logging: %s", logFile)
			os.Exit(int(feedback.ErrGeneric))
		}

		// Use a hook so we don't get color codes in the log file
		if logFormat == "json" {
			logrus.AddHook(lfshook.NewHook(file, &logrus.JSONFormatter{}))
		} else {
			logrus.AddHook(lfshook.NewHook(file, &logrus.TextFormatter{}))
		}
	}

	// Configure logging filter
	if lvl, found := toLogLevel(logLevel); !found {
		feedback.Errorf("Invalid option for --log-level: %s", logLevel)
		os.Exit(int(feedback.ErrBadArgument))
	} else {
		logrus.SetLevel(lvl)
	}

	//
	// Prepare the Feedback system
	//

	// normalize the format strings
	outputFormat = strings.ToLower(outputFormat)
	// check the right output format was passed
	format, found := feedback.ParseOutputFormat(outputFormat)
	if !found {
		feedback.Errorf("Invalid output format: %s", outputFormat)
		os.Exit(int(feedback.ErrBadArgument))
	}

	// use the output format to configure the Feedback
	feedback.SetFormat(format)

	logrus.Info(v.VersionInfo)

	if format != feedback.Text {
		cmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
			logrus.Warn("Calling help on JSON format")
			feedback.Fatal("Invalid Call : should show Help, but it is available only in TEXT mode.", feedback.ErrBadArgument)
		})
	}
}
