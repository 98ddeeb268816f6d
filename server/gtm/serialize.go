package gtm

import (
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Registry snapshot serialization, used by the GXID_LIST command when a
// standby takes over and needs the full transaction table. The payload can
// approach the slot capacity times the record size, so it is snappy-framed.

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// SerializeRegistry snapshots the allocator state and every open transaction
// under both registry locks and returns the snappy-compressed encoding.
func (t *Transactions) SerializeRegistry() []byte {
	t.idLock.Lock()
	t.tableLock.Lock()

	buf := make([]byte, 0, 256+t.openList.Len()*96)
	buf = appendUint32(buf, uint32(t.nextGXID))
	buf = appendUint32(buf, uint32(t.oldestGXID))
	buf = appendUint32(buf, uint32(t.vacLimit))
	buf = appendUint32(buf, uint32(t.warnLimit))
	buf = appendUint32(buf, uint32(t.stopLimit))
	buf = appendUint32(buf, uint32(t.wrapLimit))
	buf = appendUint32(buf, uint32(t.latestCompletedGXID))
	buf = appendUint32(buf, uint32(t.recentGlobalXmin))
	buf = appendUint32(buf, uint32(t.state))

	buf = appendUint32(buf, uint32(t.openList.Len()))
	for elem := t.openList.Front(); elem != nil; elem = elem.Next() {
		txn := elem.Value.(*TransactionInfo)
		buf = appendUint32(buf, uint32(txn.handle))
		buf = appendUint32(buf, uint32(txn.gxid))
		buf = appendUint32(buf, uint32(txn.state))
		buf = appendUint32(buf, uint32(txn.isolation))
		buf = appendBool(buf, txn.readOnly)
		buf = appendBool(buf, txn.isVacuum)
		buf = appendString(buf, txn.sessionID)
		buf = appendUint32(buf, txn.clientID)
		buf = appendUint32(buf, uint32(txn.proxyConnID))
		buf = appendString(buf, txn.gid)
		buf = appendString(buf, txn.nodeString)
	}

	t.tableLock.Unlock()
	t.idLock.Unlock()

	return snappy.Encode(nil, buf)
}

// RegistrySnapshot is the decoded form of a serialized registry, used by a
// promoting standby and by tests.
type RegistrySnapshot struct {
	NextGXID            GXID
	OldestGXID          GXID
	VacLimit            GXID
	WarnLimit           GXID
	StopLimit           GXID
	WrapLimit           GXID
	LatestCompletedGXID GXID
	RecentGlobalXmin    GXID
	State               ServerState
	Transactions        []SnapshotTransaction
}

// SnapshotTransaction is one open transaction inside a registry snapshot.
type SnapshotTransaction struct {
	Handle     TransactionHandle
	GXID       GXID
	State      TransactionState
	Isolation  IsolationLevel
	ReadOnly   bool
	IsVacuum   bool
	SessionID  string
	ClientID   uint32
	ConnID     int32
	GID        string
	NodeString string
}

type snapshotReader struct {
	buf []byte
	pos int
}

func (r *snapshotReader) uint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, errors.New("registry snapshot truncated")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *snapshotReader) boolean() (bool, error) {
	if r.pos+1 > len(r.buf) {
		return false, errors.New("registry snapshot truncated")
	}
	v := r.buf[r.pos] != 0
	r.pos++
	return v, nil
}

func (r *snapshotReader) str() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", errors.New("registry snapshot truncated")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// DeserializeRegistry decodes a SerializeRegistry payload.
func DeserializeRegistry(data []byte) (*RegistrySnapshot, error) {
	buf, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "decompress registry snapshot")
	}

	r := &snapshotReader{buf: buf}
	snap := &RegistrySnapshot{}

	fields := []*GXID{
		&snap.NextGXID, &snap.OldestGXID, &snap.VacLimit, &snap.WarnLimit,
		&snap.StopLimit, &snap.WrapLimit, &snap.LatestCompletedGXID, &snap.RecentGlobalXmin,
	}
	for _, f := range fields {
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		*f = GXID(v)
	}
	state, err := r.uint32()
	if err != nil {
		return nil, err
	}
	snap.State = ServerState(state)

	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	snap.Transactions = make([]SnapshotTransaction, 0, count)
	for i := uint32(0); i < count; i++ {
		var st SnapshotTransaction
		var v uint32
		if v, err = r.uint32(); err != nil {
			return nil, err
		}
		st.Handle = TransactionHandle(v)
		if v, err = r.uint32(); err != nil {
			return nil, err
		}
		st.GXID = GXID(v)
		if v, err = r.uint32(); err != nil {
			return nil, err
		}
		st.State = TransactionState(v)
		if v, err = r.uint32(); err != nil {
			return nil, err
		}
		st.Isolation = IsolationLevel(v)
		if st.ReadOnly, err = r.boolean(); err != nil {
			return nil, err
		}
		if st.IsVacuum, err = r.boolean(); err != nil {
			return nil, err
		}
		if st.SessionID, err = r.str(); err != nil {
			return nil, err
		}
		if st.ClientID, err = r.uint32(); err != nil {
			return nil, err
		}
		if v, err = r.uint32(); err != nil {
			return nil, err
		}
		st.ConnID = int32(v)
		if st.GID, err = r.str(); err != nil {
			return nil, err
		}
		if st.NodeString, err = r.str(); err != nil {
			return nil, err
		}
		snap.Transactions = append(snap.Transactions, st)
	}

	return snap, nil
}
