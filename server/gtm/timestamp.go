package gtm

import "time"

// Timestamp is a GTM wall-clock value in microseconds, handed to clients
// together with begin results.
type Timestamp int64

// CurrentTimestamp reads the wall clock.
func CurrentTimestamp() Timestamp {
	return Timestamp(time.Now().UnixMicro())
}
