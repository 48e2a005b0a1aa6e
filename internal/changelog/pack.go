package changelog

// encodePack concatenates each entry's self-delimiting record encoding,
// reusing the same framing used on disk so pack/apply_pack need no
// separate wire format.
func encodePack(entries []*Entry) []byte {
	var total int
	bufs := make([][]byte, len(entries))
	for i, e := range entries {
		bufs[i] = e.encode()
		total += len(bufs[i])
	}
	out := make([]byte, 0, total)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// decodePack splits a pack blob back into its entries.
func decodePack(blob []byte) ([]*Entry, error) {
	var entries []*Entry
	for len(blob) > 0 {
		e, n, err := decodeRecord(blob)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		blob = blob[n:]
	}
	return entries, nil
}
