package schema

import "github.com/ao-apps/aoserv-master/protocol"

// ClientID is a table ID as numbered for one protocol version.
type ClientID int32

// Unsupported is returned for tables a version does not know.
const Unsupported ClientID = -1

// byVersion[v] lists the tables supported by v in canonical order; the index
// is the client ID. toClient[v][t] is the inverse.
var (
	byVersion [][]Table
	toClient  [][tableCount]ClientID
)

func init() {
	versions := protocol.Versions()
	byVersion = make([][]Table, len(versions))
	toClient = make([][tableCount]ClientID, len(versions))
	for _, v := range versions {
		var ids [tableCount]ClientID
		for t := range tables {
			ids[t] = Unsupported
			if tables[t].Range.Contains(v) {
				ids[t] = ClientID(len(byVersion[v]))
				byVersion[v] = append(byVersion[v], Table(t))
			}
		}
		toClient[v] = ids
	}
}

// Supports reports whether version v knows table t.
func Supports(t Table, v protocol.Version) bool {
	return t.Valid() && v.Valid() && tables[t].Range.Contains(v)
}

// ToClient translates a canonical table to the client ID for version v.
func ToClient(t Table, v protocol.Version) ClientID {
	if !t.Valid() || !v.Valid() {
		return Unsupported
	}
	return toClient[v][t]
}

// FromClient translates a client ID sent by a version v client.
func FromClient(id ClientID, v protocol.Version) (Table, bool) {
	if !v.Valid() || id < 0 || int(id) >= len(byVersion[v]) {
		return 0, false
	}
	return byVersion[v][id], true
}

// ClientTables returns the tables known to version v, indexed by client ID.
func ClientTables(v protocol.Version) []Table {
	if !v.Valid() {
		return nil
	}
	return append([]Table(nil), byVersion[v]...)
}

// ReadTable reads a client table ID and translates it. ok is false for IDs
// the version does not define.
func ReadTable(in *protocol.Reader) (Table, ClientID, bool, error) {
	raw, err := in.ReadCompressedInt()
	if err != nil {
		return 0, 0, false, err
	}
	id := ClientID(raw)
	t, ok := FromClient(id, in.Version())
	return t, id, ok, nil
}
