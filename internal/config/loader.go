package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/forgeline/internal/fsutil"
)

// Load parses every .hcl file under dir (sorted, so later files override
// earlier ones), applies --set style overrides onto the build inputs, and
// returns the merged Document.
func Load(dir string, overrides map[string]string) (*Document, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var files []string
	if info.IsDir() {
		files, err = fsutil.FindFilesByExtension(dir, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("config: scanning %s: %w", dir, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("config: no .hcl files found in %s", dir)
		}
	} else {
		files = []string{dir}
	}
	return LoadFiles(files, overrides)
}

// LoadFiles parses and merges the given HCL files in order.
func LoadFiles(files []string, overrides map[string]string) (*Document, error) {
	parser := hclparse.NewParser()
	bodies := make([]*hclsyntax.Body, 0, len(files))
	for _, path := range files {
		file, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, fmt.Errorf("config: failed to parse %s: %s", path, diags.Error())
		}
		body, ok := file.Body.(*hclsyntax.Body)
		if !ok {
			return nil, fmt.Errorf("config: unexpected body type in %s", path)
		}
		bodies = append(bodies, body)
	}

	// First pass: resolve build inputs so the second pass can evaluate
	// expressions referencing input.<name>.
	inputs := map[string]cty.Value{}
	for _, body := range bodies {
		for _, block := range body.Blocks {
			if block.Type != "inputs" || len(block.Labels) != 0 {
				continue
			}
			for name, attr := range block.Body.Attributes {
				val, diags := attr.Expr.Value(nil)
				if diags.HasErrors() {
					return nil, fmt.Errorf("config: evaluating input %q: %s", name, diags.Error())
				}
				inputs[name] = val
			}
		}
	}
	for key, raw := range overrides {
		inputs[key] = cty.StringVal(raw)
	}

	ectx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"input": inputsValue(inputs)},
	}

	root := map[string]any{}
	for i, body := range bodies {
		if diags := mergeBody(root, body, ectx); diags.HasErrors() {
			return nil, fmt.Errorf("config: evaluating %s: %s", files[i], diags.Error())
		}
	}

	doc := NewDocument(root, inputs)
	for key, raw := range overrides {
		if err := doc.Set("inputs."+key, raw); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func inputsValue(inputs map[string]cty.Value) cty.Value {
	if len(inputs) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(inputs)
}

// mergeBody folds one HCL body into the tree. Attributes overwrite
// earlier values; blocks merge recursively, descending through the block
// type and each label.
func mergeBody(dst map[string]any, body *hclsyntax.Body, ectx *hcl.EvalContext) hcl.Diagnostics {
	var diags hcl.Diagnostics
	for name, attr := range body.Attributes {
		val, d := attr.Expr.Value(ectx)
		diags = append(diags, d...)
		if !d.HasErrors() {
			dst[name] = val
		}
	}
	for _, block := range body.Blocks {
		cur := descend(dst, block.Type)
		for _, label := range block.Labels {
			cur = descend(cur, label)
		}
		diags = append(diags, mergeBody(cur, block.Body, ectx)...)
	}
	return diags
}

func descend(node map[string]any, key string) map[string]any {
	if child, ok := node[key].(map[string]any); ok {
		return child
	}
	child := map[string]any{}
	node[key] = child
	return child
}
