package wireproto

// Flags is the bitset carried as the optional second `open` parameter,
// controlling how the worker opens the SQLite handle.
type Flags uint32

const (
	// FlagReadOnly opens the database for reading only; mutually exclusive
	// in effect with FlagCreate (a read-only open never creates a file).
	FlagReadOnly Flags = 1 << iota
	// FlagReadWrite opens the database for reading and writing.
	FlagReadWrite
	// FlagCreate creates the database file if it does not already exist.
	FlagCreate
)

// DefaultFlags matches the spec's "read-write with automatic creation"
// default used when `open` is called with no flags parameter.
const DefaultFlags = FlagReadWrite | FlagCreate
