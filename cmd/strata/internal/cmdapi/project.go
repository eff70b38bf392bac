// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package cmdapi

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/mitchellh/go-homedir"
	"github.com/zclconf/go-cty/cty"
)

// projectFileName is the default location of the strata project file.
const projectFileName = "file://strata.hcl"

type (
	// Env represents one environment block of a project file,
	// selected by the --env flag:
	//
	//	env "prod" {
	//		url = var.url
	//		dir = "s3://migrations-bucket/service"
	//	}
	Env struct {
		// Name of the environment, the label of its block.
		Name string

		// URL of the database the environment targets.
		URL string `hcl:"url,optional"`

		// Dir is the URL of the batch directory.
		Dir string `hcl:"dir,optional"`

		// RevisionsTable is the name of the revision ledger table.
		RevisionsTable string `hcl:"revisions_table,optional"`

		// TxMode is the transaction mode for applying batches.
		TxMode string `hcl:"tx_mode,optional"`

		// Baseline version for databases that were not
		// created by the batch directory.
		Baseline string `hcl:"baseline,optional"`

		// Cascade column removals to referencing indexes
		// and foreign keys.
		Cascade *bool `hcl:"cascade,optional"`
	}

	// projectFile is the first, lazy decoding pass of a project file.
	// Bodies of env blocks are kept undecoded until the variable
	// values are known.
	projectFile struct {
		Vars   []*varBlock `hcl:"var,block"`
		Envs   []*envBlock `hcl:"env,block"`
		Remain hcl.Body    `hcl:",remain"`
	}

	varBlock struct {
		Name    string         `hcl:"name,label"`
		Default hcl.Expression `hcl:"default,optional"`
	}

	envBlock struct {
		Name string   `hcl:"name,label"`
		Body hcl.Body `hcl:",remain"`
	}
)

// LoadEnv reads the project file selected by the --config flag and
// returns the environment with the given name, its body evaluated
// with the project input variables.
func LoadEnv(name string, vars Vars) (*Env, error) {
	path, err := projectPath(GlobalFlags.ConfigURL)
	if err != nil {
		return nil, err
	}
	f, diag := hclparse.NewParser().ParseHCLFile(path)
	if diag.HasErrors() {
		return nil, diag
	}
	var p projectFile
	if diag := gohcl.DecodeBody(f.Body, nil, &p); diag.HasErrors() {
		return nil, diag
	}
	ctx, err := evalContext(&p, vars)
	if err != nil {
		return nil, err
	}
	var body hcl.Body
	for _, e := range p.Envs {
		switch {
		case e.Name == "":
			return nil, fmt.Errorf("project: env block must have a name")
		case e.Name != name:
		case body != nil:
			return nil, fmt.Errorf("project: multiple env blocks named %q", name)
		default:
			body = e.Body
		}
	}
	if body == nil {
		return nil, fmt.Errorf("project: env %q not defined in project file", name)
	}
	env := &Env{Name: name}
	if diag := gohcl.DecodeBody(body, ctx, env); diag.HasErrors() {
		return nil, diag
	}
	return env, nil
}

// evalContext builds the evaluation context the env bodies are decoded
// with. Variables set on the command line take precedence over var
// block defaults, and a variable without either is an error.
func evalContext(p *projectFile, vars Vars) (*hcl.EvalContext, error) {
	values := make(map[string]cty.Value, len(p.Vars))
	for _, v := range p.Vars {
		switch val, ok := vars[v.Name]; {
		case ok:
			values[v.Name] = val
		case v.Default != nil:
			d, diag := v.Default.Value(nil)
			if diag.HasErrors() {
				return nil, diag
			}
			values[v.Name] = d
		default:
			return nil, fmt.Errorf("project: missing value for variable %q", v.Name)
		}
	}
	for k := range vars {
		if _, ok := values[k]; !ok {
			return nil, fmt.Errorf("project: input variable %q is not defined in the project file", k)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(values)},
	}, nil
}

// projectPath returns the file system path of a project file URL.
func projectPath(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("project: unsupported project file driver %q", u.Scheme)
	}
	return homedir.Expand(filepath.Join(u.Host, u.Path))
}
