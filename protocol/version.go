package protocol

import "fmt"

// Version is a negotiated client protocol version. Versions are ordered by
// release, so plain integer comparison tells whether a client knows a field.
type Version int

const (
	Version1_0A100 Version = iota
	Version1_0A101
	Version1_0A102
	Version1_0A104
	Version1_0A113
	Version1_0A122
	Version1_0A130
	Version1_30
	Version1_44
	Version1_61
	Version1_69
	Version1_80
	Version1_81_10
	Version1_83_0
	Version1_84_11
	Version1_86_0

	versionCount
)

// Current is the newest version this server speaks.
const Current = versionCount - 1

var versionNames = [versionCount]string{
	Version1_0A100: "1.0a100",
	Version1_0A101: "1.0a101",
	Version1_0A102: "1.0a102",
	Version1_0A104: "1.0a104",
	Version1_0A113: "1.0a113",
	Version1_0A122: "1.0a122",
	Version1_0A130: "1.0a130",
	Version1_30:    "1.30",
	Version1_44:    "1.44",
	Version1_61:    "1.61",
	Version1_69:    "1.69",
	Version1_80:    "1.80",
	Version1_81_10: "1.81.10",
	Version1_83_0:  "1.83.0",
	Version1_84_11: "1.84.11",
	Version1_86_0:  "1.86.0",
}

var versionsByName = func() map[string]Version {
	m := make(map[string]Version, versionCount)
	for v, name := range versionNames {
		m[name] = Version(v)
	}
	return m
}()

// ParseVersion maps the version string sent during the handshake.
func ParseVersion(s string) (Version, bool) {
	v, ok := versionsByName[s]
	return v, ok
}

// Versions returns every supported version, oldest first.
func Versions() []Version {
	out := make([]Version, versionCount)
	for i := range out {
		out[i] = Version(i)
	}
	return out
}

// Valid reports whether v is a known version.
func (v Version) Valid() bool {
	return v >= 0 && v < versionCount
}

func (v Version) String() string {
	if !v.Valid() {
		return fmt.Sprintf("Version(%d)", int(v))
	}
	return versionNames[v]
}

// Range is the set of versions in which a field, table or command exists.
// Since is inclusive; Until is the version that removed it (exclusive).
// A zero Until means "still present".
type Range struct {
	Since Version
	Until Version
}

// Always covers every version.
var Always = Range{}

// Since returns the range starting at v with no removal.
func Since(v Version) Range {
	return Range{Since: v}
}

// Until returns the range of versions before v.
func Until(v Version) Range {
	return Range{Until: v}
}

// Between returns [since, until).
func Between(since, until Version) Range {
	return Range{Since: since, Until: until}
}

// Contains reports whether v falls within the range.
func (r Range) Contains(v Version) bool {
	if v < r.Since {
		return false
	}
	if r.Until != 0 && v >= r.Until {
		return false
	}
	return true
}

func (r Range) String() string {
	switch {
	case r.Until == 0:
		return fmt.Sprintf("[%s,)", r.Since)
	default:
		return fmt.Sprintf("[%s,%s)", r.Since, r.Until)
	}
}
