package internal

// QueryType defines the read-only lookups of the state machine.
type QueryType uint8

const (
	QueryTGet  QueryType = iota // Retrieve the state of a key.
	QueryTScan                  // Retrieve all keys and states of a bean.
	QueryTInfo                  // Retrieve counters of the state machine.
)

func (q QueryType) String() string {
	switch q {
	case QueryTGet:
		return "Get"
	case QueryTScan:
		return "Scan"
	case QueryTInfo:
		return "Info"
	default:
		return "Unknown"
	}
}

// Query is a lookup request sent via SyncRead or StaleRead. Queries are not
// replicated and therefore never serialized.
type Query struct {
	Type QueryType
	Bean string
	Key  string // empty for Scan and Info
}

// QueryResult is the result of a QueryTGet lookup.
type QueryResult struct {
	Ok    bool
	Value []byte
}

// ScanResult is the result of a QueryTScan lookup.
type ScanResult struct {
	Keys   []string
	Values [][]byte
}

// Info is the result of a QueryTInfo lookup.
type Info struct {
	Beans      int
	Entries    int
	LastIndex  uint64
	Applied    uint64
	Rejections uint64
}
