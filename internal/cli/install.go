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

package cli

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/packwisely/patcher/internal/config"
	"github.com/packwisely/patcher/internal/fetch"
	"github.com/packwisely/patcher/internal/installer"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install or update to the latest published version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return errors.Wrap(err, "loading configuration")
		}

		rootURL, err := cfg.RootURL()
		if err != nil {
			return err
		}

		log := newLogger()
		exePath, err := installer.Install(context.Background(), installer.Options{
			InstallDir: cfg.Patch.InstallDir,
			RootURL:    rootURL,
			Fetcher:    fetch.NewHTTPFetcher(nil),
			Logger:     log,
		})
		if err != nil {
			return errors.Wrap(err, "install")
		}

		fmt.Println(exePath)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(installCmd)
}
