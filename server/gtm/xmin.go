package gtm

import (
	"time"

	"github.com/zhukovaskychina/xgtm-server/logger"
	"github.com/zhukovaskychina/xgtm-server/server/common"
)

// nodeXminReport is the last xmin a cluster node reported, with its arrival
// time. Entries are not aged out by that time; one stays until ForgetNodeXmin
// removes it.
type nodeXminReport struct {
	nodeType   int
	xmin       GXID
	reportedAt time.Time
}

// HandleGlobalXmin processes a REPORT_XMIN command: records the node's xmin,
// recomputes the cluster-wide global xmin over all reporting nodes and all
// open non-vacuum transactions, and publishes it as recentGlobalXmin.
//
// Returns the latest completed GXID, the computed global xmin and an error
// code. A report older than the already published global xmin is rejected
// with ERRCODE_TOO_OLD_XMIN and does not move any state.
func (t *Transactions) HandleGlobalXmin(nodeType int, nodeName string, reportedXmin GXID) (GXID, GXID, int) {
	if len(nodeName) > common.NODE_NAME_MAXLEN {
		nodeName = nodeName[:common.NODE_NAME_MAXLEN]
	}

	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	if reportedXmin.IsNormal() && reportedXmin.Precedes(t.recentGlobalXmin) {
		logger.Warnf("node %s reported xmin %d older than global xmin %d",
			nodeName, reportedXmin, t.recentGlobalXmin)
		return t.latestCompletedGXID, t.recentGlobalXmin, common.ERRCODE_TOO_OLD_XMIN
	}

	t.reportedXmins[nodeName] = &nodeXminReport{
		nodeType:   nodeType,
		xmin:       reportedXmin,
		reportedAt: time.Now(),
	}

	// Start from the newest safe bound and walk it back under every
	// constraint still alive.
	globalXmin := t.latestCompletedGXID.Next()
	for _, report := range t.reportedXmins {
		if report.xmin.IsNormal() && report.xmin.Precedes(globalXmin) {
			globalXmin = report.xmin
		}
	}
	for elem := t.openList.Front(); elem != nil; elem = elem.Next() {
		txn := elem.Value.(*TransactionInfo)
		if txn.isVacuum {
			continue
		}
		if txn.gxid.IsNormal() && txn.gxid.Precedes(globalXmin) {
			globalXmin = txn.gxid
		}
	}

	if globalXmin.IsNormal() && globalXmin.Follows(t.recentGlobalXmin) {
		t.recentGlobalXmin = globalXmin
	}

	return t.latestCompletedGXID, t.recentGlobalXmin, common.ERRCODE_NONE
}

// RecentGlobalXmin returns the published cluster-wide xmin.
func (t *Transactions) RecentGlobalXmin() GXID {
	t.tableLock.RLock()
	defer t.tableLock.RUnlock()
	return t.recentGlobalXmin
}

// ForgetNodeXmin drops the report table entry of a departed node.
func (t *Transactions) ForgetNodeXmin(nodeName string) {
	t.tableLock.Lock()
	delete(t.reportedXmins, nodeName)
	t.tableLock.Unlock()
}
