package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/vk/forgeline/internal/config"
)

// fingerprintInputs is the canonical JSON payload hashed into a
// fingerprint. encoding/json sorts map keys, which keeps the digest
// stable for equal inputs.
type fingerprintInputs struct {
	ID         string         `json:"id"`
	AnchorTask string         `json:"anchor_task"`
	Selected   map[string]any `json:"selected"`
}

// ComputeFingerprint resolves every fingerprint_from key-path against
// the document (absent paths record null) and hashes the canonical
// JSON. It returns the hex digest and the resolved input values.
func ComputeFingerprint(doc *config.Document, point PointConfig) (string, map[string]any, error) {
	selected := make(map[string]any, len(point.FingerprintFrom))
	for _, keyPath := range point.FingerprintFrom {
		if v, ok := doc.Lookup(keyPath); ok {
			selected[keyPath] = config.GoValue(v)
		} else {
			selected[keyPath] = nil
		}
	}

	data, err := json.Marshal(fingerprintInputs{
		ID:         point.ID,
		AnchorTask: point.AnchorTask,
		Selected:   selected,
	})
	if err != nil {
		return "", nil, fmt.Errorf("checkpoint: serializing fingerprint inputs: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), selected, nil
}

// LineageDigest ties a fingerprint to its anchor task so a checkpoint
// captured for one anchor cannot satisfy another.
func LineageDigest(anchorTask, fingerprint string) string {
	sum := sha256.Sum256([]byte(anchorTask + "\n" + fingerprint))
	return hex.EncodeToString(sum[:])
}

// DiffInputs returns the sorted key-paths whose recorded values differ
// between two fingerprint input sets, including paths present on only
// one side.
func DiffInputs(old, new map[string]any) []string {
	changed := map[string]struct{}{}
	for k, ov := range old {
		if nv, ok := new[k]; !ok || !reflect.DeepEqual(normalize(ov), normalize(nv)) {
			changed[k] = struct{}{}
		}
	}
	for k := range new {
		if _, ok := old[k]; !ok {
			changed[k] = struct{}{}
		}
	}

	out := make([]string, 0, len(changed))
	for k := range changed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// normalize passes a value through JSON so inputs loaded from a manifest
// compare equal to freshly resolved ones (int64 vs float64 and friends).
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// FormatInputsChanged renders the inputs_changed miss reason.
func FormatInputsChanged(paths []string) string {
	return ReasonInputsChangedPrefix + strings.Join(paths, ",")
}
