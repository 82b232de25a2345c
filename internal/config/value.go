package config

import (
	"github.com/zclconf/go-cty/cty"
)

// GoValue converts a cty.Value into plain Go types (string, bool, int64
// or float64, []any, map[string]any, nil) so it can be serialized with
// encoding/json. Unknown values map to nil.
func GoValue(v cty.Value) any {
	if v == cty.NilVal || v.IsNull() || !v.IsKnown() {
		return nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString()
	case ty == cty.Bool:
		return v.True()
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if n, acc := bf.Int64(); acc == 0 {
			return n
		}
		f, _ := bf.Float64()
		return f
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := []any{}
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			out = append(out, GoValue(ev))
		}
		return out
	case ty.IsObjectType() || ty.IsMapType():
		out := map[string]any{}
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			out[k.AsString()] = GoValue(ev)
		}
		return out
	}
	return nil
}
