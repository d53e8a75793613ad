package join

import "fmt"

// State is the lifecycle position of a Driver.
type State int

// Driver states, in the order a task moves through them.
const (
	Uninitialized State = iota
	MetadataReady
	TablesLoaded
	Streaming
	Closed
)

var stateNames = [...]string{
	Uninitialized: "Uninitialized",
	MetadataReady: "MetadataReady",
	TablesLoaded:  "TablesLoaded",
	Streaming:     "Streaming",
	Closed:        "Closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Stats counts what a Driver has seen and produced.
type Stats struct {
	RowsIn      int64 // big-leg rows probed
	RowsIgnored int64 // rows tagged with another leg
	RowsDropped int64 // big rows that produced no output
	RowsOut     int64 // joined rows emitted
	Loads       int   // loader invocations
	CacheHits   int   // loads served from the task cache
}
