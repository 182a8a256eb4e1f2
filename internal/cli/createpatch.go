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
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packwisely/patcher/internal/patchbuilder"
)

type createPatchCmdFlags struct {
	outDir  string
	newDir  string
	oldDir  string
	version string
}

var createPatchFlags createPatchCmdFlags

var createPatchCmd = &cobra.Command{
	Use:   "create-patch",
	Short: "Author a patch from a new (and optionally old) directory tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		if createPatchFlags.outDir == "" || createPatchFlags.newDir == "" || createPatchFlags.version == "" {
			return errors.New("--out-dir, --new-dir, and --version are required")
		}

		version, err := semver.NewVersion(createPatchFlags.version)
		if err != nil {
			return errors.Wrapf(err, "invalid version %q", createPatchFlags.version)
		}

		result, err := patchbuilder.CreatePatch(patchbuilder.Options{
			OutDir:  createPatchFlags.outDir,
			NewDir:  createPatchFlags.newDir,
			OldDir:  createPatchFlags.oldDir,
			Version: version,
			Logger:  newLogger(),
		})
		if err != nil {
			return errors.Wrap(err, "create-patch")
		}

		fmt.Printf("%s\npatch_size=%d\n", result.Manifest, result.PatchSize)
		return nil
	},
}

func init() {
	flags := pflag.NewFlagSet("create-patch", pflag.ExitOnError)
	flags.StringVar(&createPatchFlags.outDir, "out-dir", "", "directory to write raw.tar/sig.tar/diff.tar/manifest.json into")
	flags.StringVar(&createPatchFlags.newDir, "new-dir", "", "new version's directory tree")
	flags.StringVar(&createPatchFlags.oldDir, "old-dir", "", "directory holding the previous version's sig.tar (omit for a fresh, diff-less patch)")
	flags.StringVar(&createPatchFlags.version, "version", "", "version being published, e.g. 1.2.3")
	createPatchCmd.Flags().AddFlagSet(flags)

	RootCmd.AddCommand(createPatchCmd)
}
