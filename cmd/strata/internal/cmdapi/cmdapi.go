// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package cmdapi holds the implementation of the strata command line
// tool. Commands are declared as package variables and registered on
// Root by their init functions.
package cmdapi

import (
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/mod/semver"
)

var (
	// Root represents the root command when called without any subcommands.
	Root = &cobra.Command{
		Use:          "strata",
		Short:        "A versioned migration toolkit for declarative change batches.",
		SilenceUsage: true,
	}

	// GlobalFlags contains flags common to many strata sub-commands.
	GlobalFlags struct {
		// ConfigURL defines the path to the strata project file.
		ConfigURL string
		// SelectedEnv contains the environment selected from the active project via the --env flag.
		SelectedEnv string
		// Vars contains the input variables passed from the CLI to the project file.
		Vars Vars
	}

	// version holds the strata version. It should be set by the build flag
	// "-X 'github.com/stratadb/strata/cmd/strata/internal/cmdapi.version=${version}'"
	version string

	// versionCmd represents the subcommand 'strata version'.
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Prints this strata CLI version information.",
		Run: func(cmd *cobra.Command, args []string) {
			v, u := parse(version)
			cmd.Printf("strata version %s\n%s\n", v, u)
		},
	}

	license = `LICENSE
Strata is licensed under Apache 2.0 as found in https://github.com/stratadb/strata/blob/master/LICENSE.`
	licenseCmd = &cobra.Command{
		Use:   "license",
		Short: "Display license information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(license)
		},
	}
)

func init() {
	Root.AddCommand(versionCmd)
	Root.AddCommand(licenseCmd)
	// Register a global function to clean up the global
	// flags regardless if the command passed or failed.
	cobra.OnFinalize(func() {
		GlobalFlags.ConfigURL = ""
		GlobalFlags.Vars = nil
		GlobalFlags.SelectedEnv = ""
	})
}

const (
	flagAllowDirty     = "allow-dirty"
	flagAutoApprove    = "auto-approve"
	flagBaseline       = "baseline"
	flagCascade        = "cascade"
	flagConfig         = "config"
	flagDirURL         = "dir"
	flagDryRun         = "dry-run"
	flagEnv            = "env"
	flagForce          = "force"
	flagLog            = "log"
	flagRevisionsTable = "revisions-table"
	flagTxMode         = "tx-mode"
	flagURL            = "url"
	flagVar            = "var"
)

// addGlobalFlags registers the flags shared between sub-command families.
func addGlobalFlags(set *pflag.FlagSet) {
	set.StringVar(&GlobalFlags.SelectedEnv, flagEnv, "", "set which env from the project file to use")
	set.Var(&GlobalFlags.Vars, flagVar, "input variables")
	set.StringVarP(&GlobalFlags.ConfigURL, flagConfig, "c", projectFileName, "select project file using URL format")
}

// parse returns a user facing version and release notes url.
func parse(version string) (string, string) {
	u := "https://github.com/stratadb/strata/releases/latest"
	if ok := semver.IsValid(version); !ok {
		return "- development", u
	}
	s := strings.Split(version, "-")
	if len(s) != 0 && s[len(s)-1] != "canary" {
		u = fmt.Sprintf("https://github.com/stratadb/strata/releases/tag/%s", version)
	}
	return version, u
}

// Version returns the current strata binary version.
func Version() string {
	return version
}

// operatorVersion is the version string written to the
// revision ledger for every version this binary applies.
func operatorVersion() string {
	v, _ := parse(version)
	return "strata " + v
}

// Vars implements pflag.Value.
type Vars map[string]cty.Value

// String implements pflag.Value.String.
func (v Vars) String() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(varString(v[k]))
	}
	return "[" + b.String() + "]"
}

func varString(v cty.Value) string {
	if v.Type().IsListType() {
		elems := make([]string, 0, v.LengthInt())
		for _, e := range v.AsValueSlice() {
			elems = append(elems, varString(e))
		}
		return "[" + strings.Join(elems, ", ") + "]"
	}
	return v.AsString()
}

// Set implements pflag.Value.Set.
func (v *Vars) Set(s string) error {
	if *v == nil {
		*v = make(Vars)
	}
	kvs, err := csv.NewReader(strings.NewReader(s)).Read()
	if err != nil {
		return err
	}
	for i := range kvs {
		kv := strings.SplitN(kvs[i], "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("variables must be format as key=value, got: %q", kvs[i])
		}
		v1 := cty.StringVal(kv[1])
		switch v0, ok := (*v)[kv[0]]; {
		case ok && v0.Type().IsListType():
			(*v)[kv[0]] = cty.ListVal(append(v0.AsValueSlice(), v1))
		case ok:
			(*v)[kv[0]] = cty.ListVal([]cty.Value{v0, v1})
		default:
			(*v)[kv[0]] = v1
		}
	}
	return nil
}

// Type implements pflag.Value.Type.
func (v *Vars) Type() string {
	return "<name>=<value>"
}

// maySetFlag sets the flag with the provided name to envVal if such a flag exists
// on the cmd, it was not set by the user via the command line and if envVal is not
// an empty string.
func maySetFlag(cmd *cobra.Command, name, envVal string) error {
	if f := cmd.Flag(name); f == nil || f.Changed || envVal == "" {
		return nil
	}
	return cmd.Flags().Set(name, envVal)
}
