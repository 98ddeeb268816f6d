package server

import (
	"time"
)

// GTMServerSession is the per-connection state the message handler keeps for
// every attached client.
type GTMServerSession interface {

	// GetLastActiveTime returns the time of the last request on the
	// connection.
	GetLastActiveTime() time.Time

	// ClientID returns the identifier the server issued to this client on
	// accept; it tags every transaction the client opens.
	ClientID() uint32

	GetParamByName(name string) interface{}

	SetParamByName(name string, value interface{})
}
