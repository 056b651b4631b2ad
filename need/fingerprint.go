package need

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint returns a content hash of a need. encoding/json sorts map keys,
// so equal needs always hash equally.
func Fingerprint(n *Need) string {
	data, err := json.Marshal(n)
	if err != nil {
		// Values come from JSON/YAML decoding and always marshal; fall back
		// to the id so a broken need is still tracked.
		data = []byte(n.ID)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Diff returns the ids that were added, removed or modified between two
// snapshots: new-store order first, then removed ids in old-store order.
func Diff(old, cur Store) []string {
	var changed []string
	for _, id := range cur.IDs() {
		n, _ := cur.Get(id)
		prev, ok := old.Get(id)
		if !ok || Fingerprint(prev) != Fingerprint(n) {
			changed = append(changed, id)
		}
	}
	for _, id := range old.IDs() {
		if _, ok := cur.Get(id); !ok {
			changed = append(changed, id)
		}
	}
	return changed
}
