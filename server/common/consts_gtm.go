package common

// Operation status codes carried in result frames.
const (
	STATUS_OK      = 0
	STATUS_ERROR   = -1
	STATUS_DELAYED = 2
)

// Node types reported by clients (REPORT_XMIN and registration).
const (
	NODE_GTM = iota
	NODE_GTM_PROXY
	NODE_COORDINATOR
	NODE_DATANODE
	NODE_GTM_STANDBY
)

// Error codes returned by the xmin tracker.
const (
	ERRCODE_NONE = iota
	ERRCODE_TOO_OLD_XMIN
	ERRCODE_NODE_UNKNOWN
)

// Bounds on variable-length identifiers.
const (
	GID_MAXLEN        = 1024
	SESSION_ID_MAXLEN = 1024
	NODESTRING_MAXLEN = 1024
	NODE_NAME_MAXLEN  = 256
)

// NO_PROXY_CONNID marks a transaction that did not arrive through a proxy.
const NO_PROXY_CONNID = int32(-1)
