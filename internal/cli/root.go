// Copyright © 2024 PackWisely Authors
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

// Package cli implements the packwisely command-line interface: install,
// create-patch, and publish.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packwisely/patcher/internal/logging"
)

var configFile string
var logLevel string
var rootFlags *pflag.FlagSet

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "packwisely",
	Short: "Author and apply versioned delta patches",
	Long:  `packwisely maintains a versioned installation by applying cryptographically verified delta patches fetched over HTTP, and authors those patches from a build's directory tree.`,
}

func init() {
	rootFlags = RootCmd.PersistentFlags()
	rootFlags.StringVar(&configFile, "config", "patcher.conf", "path to the TOML configuration file")
	rootFlags.StringVar(&logLevel, "log-level", "info", "log level: error, warning, info, debug, verbose")
}

func newLogger() *logging.Logger {
	levels := map[string]int{
		"error":   logging.LevelError,
		"warning": logging.LevelWarning,
		"info":    logging.LevelInfo,
		"debug":   logging.LevelDebug,
		"verbose": logging.LevelVerbose,
	}
	level, ok := levels[logLevel]
	if !ok {
		level = logging.LevelInfo
	}
	return logging.New(os.Stderr, level)
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
