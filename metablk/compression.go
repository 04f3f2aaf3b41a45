package metablk

import "github.com/golang/snappy"

// compress applies snappy compression and backs off to the raw payload if
// the compressed size does not clear ratioLimit percent of the original,
// per spec §4.E's "compression backoff": "When an update produces a
// post-compression size exceeding ratio_limit * raw_size / 100, the update
// is rewritten uncompressed."
func compress(raw []byte, ratioLimit int) (out []byte, compressed bool) {
	if len(raw) == 0 {
		return raw, false
	}
	candidate := snappy.Encode(nil, raw)
	limit := (ratioLimit * len(raw)) / 100
	if len(candidate) > limit {
		return raw, false
	}
	return candidate, true
}

func decompress(body []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return body, nil
	}
	return snappy.Decode(nil, body)
}
