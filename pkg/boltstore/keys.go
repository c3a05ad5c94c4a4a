package boltstore

import (
	"encoding/binary"
	"strings"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// Bucket name constants for bbolt storage.
var (
	bucketMeta     = []byte("meta")
	bucketEntities = []byte("entities")
	bucketUnits    = []byte("units")
	bucketAccounts = []byte("accounts")
)

// Meta key for the configured start room.
var keyStart = []byte("start")

// refToKey converts a DBRef to an 8-byte big-endian key.
// Offset so negative refs (Nothing=-1) still sort before real ones.
func refToKey(ref gamedb.DBRef) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(int64(ref)+1<<32))
	return buf
}

// keyToRef converts an 8-byte big-endian key back to a DBRef.
func keyToRef(b []byte) gamedb.DBRef {
	v := binary.BigEndian.Uint64(b)
	return gamedb.DBRef(int64(v) - 1<<32)
}

// unitKey is "scope/category/name", lowercased, so a cursor seek on
// "scope/" walks one scope in order.
func unitKey(id gamedb.UnitID) []byte {
	return []byte(strings.ToLower(id.String()))
}

// selectorPrefix returns the key prefix shared by every unit under sel.
func selectorPrefix(sel gamedb.UnitID) []byte {
	p := strings.ToLower(sel.Scope) + "/"
	if sel.Category != "" {
		p += strings.ToLower(sel.Category) + "/"
		if sel.Name != "" {
			p += strings.ToLower(sel.Name)
		}
	}
	return []byte(p)
}

func accountKey(name string) []byte {
	return []byte(strings.ToLower(name))
}
