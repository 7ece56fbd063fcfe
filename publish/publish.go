// Package publish implements the NETCONF state publisher: periodic
// refresh of the /netconf-state/sessions and /netconf-state/statistics
// subtrees from the session manager's live counters, a watch that turns an
// external write of "inactive" to a session's status leaf into the
// equivalent of kill-session, and a watch that applies external writes to
// the configured admission bound.
package publish

import (
	"strconv"
	"strings"
	"time"

	"github.com/alliedtelesis/apteryx-netconf/session"
	"github.com/alliedtelesis/apteryx-netconf/store"
)

// refreshInterval is returned by both refresh callbacks; store.Client
// defaults to the same value for a callback that returns <= 0, but the
// publisher states it explicitly rather than relying on that default.
const refreshInterval = time.Second

const (
	sessionsPath    = "/netconf-state/sessions"
	statisticsPath  = "/netconf-state/statistics"
	maxSessionsPath = "/netconf/config/max-sessions"
)

// Publisher wires a session.Manager's live state into a store.Client via the
// store's refresh/watch glob callbacks. The zero value is not usable; both
// fields are required.
type Publisher struct {
	Sessions *session.Manager
	Store    store.Client
}

// Start registers the refresh callbacks and watches and returns immediately;
// the store drives each callback on its own goroutine from then on.
func (p *Publisher) Start() {
	p.Store.Refresh(sessionsPath, p.refreshSessions)
	p.Store.Refresh(statisticsPath, p.refreshStatistics)
	p.Store.Watch(sessionsPath+"/session/*/status", p.onStatusWrite)
	p.Store.Watch(maxSessionsPath, p.onMaxSessionsWrite)
}

// refreshSessions rewrites the entire /netconf-state/sessions subtree from a
// fresh session.Manager snapshot. The glob this is registered against
// ("/netconf-state/sessions") is passed back verbatim by store.Client, not
// resolved to a particular session, so the whole subtree is pruned and
// rebuilt on every tick rather than updating one session's records.
func (p *Publisher) refreshSessions(string) time.Duration {
	_ = p.Store.Prune(sessionsPath)

	records, _ := p.Sessions.Snapshot()
	for _, r := range records {
		base := sessionsPath + "/session/" + strconv.FormatUint(uint64(r.ID), 10)
		lock := "-"
		if r.IsLocked {
			lock = "R"
		}
		fields := map[string]string{
			"session-id":        strconv.FormatUint(uint64(r.ID), 10),
			"transport":         "netconf-ssh",
			"username":          r.Peer.Username,
			"login-time":        r.LoginAt.UTC().Format(time.RFC3339),
			"source-host":       r.Peer.RemoteHost,
			"source-port":       r.Peer.RemotePort,
			"lock":              lock,
			"status":            "active",
			"in-rpcs":           strconv.FormatUint(r.Counters.InRPCs, 10),
			"in-bad-rpcs":       strconv.FormatUint(r.Counters.InBadRPCs, 10),
			"out-rpc-errors":    strconv.FormatUint(r.Counters.OutRPCErrors, 10),
			"out-notifications": strconv.FormatUint(r.Counters.OutNotifications, 10),
		}
		for name, value := range fields {
			_ = p.Store.Set(base+"/"+name, value)
		}
	}
	return refreshInterval
}

// refreshStatistics rewrites /netconf-state/statistics from the manager's
// global counters.
func (p *Publisher) refreshStatistics(string) time.Duration {
	_, global := p.Sessions.Snapshot()
	fields := map[string]string{
		"netconf-start-time": global.StartTime.UTC().Format(time.RFC3339),
		"in-bad-hellos":      strconv.FormatUint(global.InBadHellos, 10),
		"in-sessions":        strconv.FormatUint(global.InSessions, 10),
		"dropped-sessions":   strconv.FormatUint(global.DroppedSessions, 10),
		"in-rpcs":            strconv.FormatUint(global.TotalInRPCs, 10),
		"in-bad-rpcs":        strconv.FormatUint(global.TotalInBadRPCs, 10),
		"out-rpc-errors":     strconv.FormatUint(global.TotalOutRPCErrors, 10),
		"out-notifications":  strconv.FormatUint(global.TotalOutNotifications, 10),
	}
	for name, value := range fields {
		_ = p.Store.Set(statisticsPath+"/"+name, value)
	}
	return refreshInterval
}

// onStatusWrite implements the inactive-status watch: marking a
// session's status leaf "inactive" from outside the protocol half-closes
// its connection exactly as kill-session would, but with no requester and
// no self-kill restriction - the write could be the session's own
// supervisor taking it down.
func (p *Publisher) onStatusWrite(path, value string) {
	if value != "inactive" {
		return
	}
	id, ok := sessionIDFromPath(path)
	if !ok {
		return
	}
	p.Sessions.Deactivate(id)
}

// onMaxSessionsWrite implements the /netconf/config/max-sessions watch:
// the written value is clamped to [1,10] by the manager and the
// effective value mirrored back, so a client reading the leaf back always
// sees what was actually applied rather than what it wrote.
func (p *Publisher) onMaxSessionsWrite(_, value string) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return
	}
	effective := p.Sessions.SetMaxSessions(n)
	if effectiveStr := strconv.Itoa(effective); effectiveStr != value {
		_ = p.Store.Set(maxSessionsPath, effectiveStr)
	}
}

// sessionIDFromPath extracts the session id segment from a path shaped like
// ".../session/<id>/status".
func sessionIDFromPath(path string) (uint32, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if seg == "session" && i+1 < len(segments) {
			n, err := strconv.ParseUint(segments[i+1], 10, 32)
			if err != nil {
				return 0, false
			}
			return uint32(n), true
		}
	}
	return 0, false
}
