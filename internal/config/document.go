// Package config loads the merged HCL configuration document and exposes
// typed accessors plus dotted key-path lookup over the raw value tree.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// Document is the merged configuration of a run: every attribute and
// block from the loaded .hcl files, flattened into a tree of
// map[string]any nodes with cty.Value leaves. Blocks contribute nested
// nodes keyed by block type and labels, so `backend "s3" "main" { ... }`
// inside a checkpoints block lands at "checkpoints.backend.s3.main".
type Document struct {
	root   map[string]any
	inputs map[string]cty.Value
}

// NewDocument wraps a pre-built tree. Used by tests; production code goes
// through Load.
func NewDocument(root map[string]any, inputs map[string]cty.Value) *Document {
	if root == nil {
		root = map[string]any{}
	}
	if inputs == nil {
		inputs = map[string]cty.Value{}
	}
	return &Document{root: root, inputs: inputs}
}

// Inputs returns the resolved build input values, overrides applied.
func (d *Document) Inputs() map[string]cty.Value {
	out := make(map[string]cty.Value, len(d.inputs))
	for k, v := range d.inputs {
		out[k] = v
	}
	return out
}

// TopLevelKeys returns the sorted names of the document's top-level
// tables and attributes.
func (d *Document) TopLevelKeys() []string {
	keys := make([]string, 0, len(d.root))
	for k := range d.root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup resolves a dotted key-path like "system.build_dir" or
// "checkpoints.point.base.use_policy". The path may cross from tree
// nodes into object or map values.
func (d *Document) Lookup(keyPath string) (cty.Value, bool) {
	segs := strings.Split(keyPath, ".")
	var cur any = d.root
	for i, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return cty.NilVal, false
			}
			cur = next
		case cty.Value:
			return lookupValue(node, segs[i:])
		default:
			return cty.NilVal, false
		}
	}
	switch node := cur.(type) {
	case cty.Value:
		return node, true
	case map[string]any:
		return treeToValue(node), true
	}
	return cty.NilVal, false
}

// lookupValue walks the remaining path segments inside a cty value.
func lookupValue(v cty.Value, segs []string) (cty.Value, bool) {
	for _, seg := range segs {
		if v.IsNull() || !v.IsKnown() {
			return cty.NilVal, false
		}
		ty := v.Type()
		switch {
		case ty.IsObjectType():
			if !ty.HasAttribute(seg) {
				return cty.NilVal, false
			}
			v = v.GetAttr(seg)
		case ty.IsMapType():
			key := cty.StringVal(seg)
			if has := v.HasIndex(key); !has.True() {
				return cty.NilVal, false
			}
			v = v.Index(key)
		default:
			return cty.NilVal, false
		}
	}
	return v, true
}

// treeToValue converts a tree node into a cty object value so Lookup can
// return interior nodes uniformly.
func treeToValue(node map[string]any) cty.Value {
	if len(node) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(node))
	for k, child := range node {
		switch c := child.(type) {
		case cty.Value:
			attrs[k] = c
		case map[string]any:
			attrs[k] = treeToValue(c)
		}
	}
	return cty.ObjectVal(attrs)
}

// Has reports whether the key-path resolves to anything.
func (d *Document) Has(keyPath string) bool {
	_, ok := d.Lookup(keyPath)
	return ok
}

// GetString returns the string at the key-path, or false when absent or
// not a string.
func (d *Document) GetString(keyPath string) (string, bool) {
	v, ok := d.Lookup(keyPath)
	if !ok || v.IsNull() || v.Type() != cty.String {
		return "", false
	}
	return v.AsString(), true
}

// StringOr returns the string at the key-path or def when absent.
func (d *Document) StringOr(keyPath, def string) string {
	if s, ok := d.GetString(keyPath); ok {
		return s
	}
	return def
}

// GetBool returns the bool at the key-path.
func (d *Document) GetBool(keyPath string) (bool, bool) {
	v, ok := d.Lookup(keyPath)
	if !ok || v.IsNull() || v.Type() != cty.Bool {
		return false, false
	}
	return v.True(), true
}

// BoolOr returns the bool at the key-path or def when absent.
func (d *Document) BoolOr(keyPath string, def bool) bool {
	if b, ok := d.GetBool(keyPath); ok {
		return b
	}
	return def
}

// GetInt returns the integer at the key-path.
func (d *Document) GetInt(keyPath string) (int64, bool) {
	v, ok := d.Lookup(keyPath)
	if !ok || v.IsNull() || v.Type() != cty.Number {
		return 0, false
	}
	n, _ := v.AsBigFloat().Int64()
	return n, true
}

// GetStringSlice returns the list of strings at the key-path.
func (d *Document) GetStringSlice(keyPath string) ([]string, bool) {
	v, ok := d.Lookup(keyPath)
	if !ok || v.IsNull() {
		return nil, false
	}
	ty := v.Type()
	if !ty.IsTupleType() && !ty.IsListType() && !ty.IsSetType() {
		return nil, false
	}
	var out []string
	for it := v.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		if ev.IsNull() || ev.Type() != cty.String {
			return nil, false
		}
		out = append(out, ev.AsString())
	}
	return out, true
}

// GetStringMap returns the string-to-string map or object at the key-path.
func (d *Document) GetStringMap(keyPath string) (map[string]string, bool) {
	v, ok := d.Lookup(keyPath)
	if !ok || v.IsNull() {
		return nil, false
	}
	ty := v.Type()
	if !ty.IsMapType() && !ty.IsObjectType() {
		return nil, false
	}
	out := map[string]string{}
	for it := v.ElementIterator(); it.Next(); {
		k, ev := it.Element()
		if ev.IsNull() || ev.Type() != cty.String {
			return nil, false
		}
		out[k.AsString()] = ev.AsString()
	}
	return out, true
}

// Keys returns the sorted child keys under a key-path that names a tree
// node (block collection). Returns nil when the path is absent or a leaf.
func (d *Document) Keys(keyPath string) []string {
	segs := strings.Split(keyPath, ".")
	var cur any = d.root
	for _, seg := range segs {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = node[seg]
		if !ok {
			return nil
		}
	}
	node, ok := cur.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set places a string value at a dotted key-path, creating intermediate
// nodes. CLI overrides use it after load.
func (d *Document) Set(keyPath, value string) error {
	segs := strings.Split(keyPath, ".")
	if len(segs) == 0 || keyPath == "" {
		return fmt.Errorf("config: empty key-path in override")
	}
	cur := d.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			cur[seg] = child
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = cty.StringVal(value)
	return nil
}
