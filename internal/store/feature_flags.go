package store

import "encoding/binary"

// encodeFeatureFlags renders this build's supported protocol
// extensions as the 4-byte little-endian bitmask served by reading
// /keeper/api_feature_flags (§4.2 Supplemented Features). A client
// reads this once at session start to learn whether FilteredList,
// MultiRead, and CheckNotExists are safe to rely on.
func encodeFeatureFlags() []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], featureFilteredList|featureMultiRead|featureCheckNotExists)
	return buf[:]
}
