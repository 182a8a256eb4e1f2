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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/packwisely/patcher/internal/patchbuilder"
)

var publishCmd = &cobra.Command{
	Use:   "publish <patch-dir>",
	Short: "Compress raw.tar/diff.tar into the .zst siblings the installer fetches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := patchbuilder.PublishPatch(args[0]); err != nil {
			return errors.Wrap(err, "publish")
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(publishCmd)
}
