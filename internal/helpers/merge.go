package helpers

// DeepMerge overlays patch onto base and returns a new map. Nested maps
// merge recursively; every other value (lists included) replaces the base
// value wholesale. Neither input is mutated: this is the only mutation
// path for direct-edit flows, so a partial patch must never clobber
// sibling keys or leak shared references into stored objects.
func DeepMerge(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		pv, pok := v.(map[string]interface{})
		bv, bok := out[k].(map[string]interface{})
		if pok && bok {
			out[k] = DeepMerge(bv, pv)
			continue
		}
		out[k] = v
	}
	return out
}
