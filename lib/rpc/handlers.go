package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acuray/console/lib/core"
	"github.com/acuray/console/lib/session"
)

// Handlers binds the control methods to a running console.
type Handlers struct {
	console *core.Console
	version string
}

// NewHandlers creates the handler set for a console.
func NewHandlers(console *core.Console, version string) *Handlers {
	return &Handlers{console: console, version: version}
}

// Map returns all control methods keyed by name.
func (h *Handlers) Map() map[string]Handler {
	return map[string]Handler{
		"status":            h.Status,
		"nodes.list":        h.NodesList,
		"journal.list":      h.JournalList,
		"journal.archive":   h.JournalArchive,
		"session.reconnect": h.SessionReconnect,
	}
}

// Status handles the "status" method.
func (h *Handlers) Status(ctx context.Context, params json.RawMessage) (any, *Error) {
	snap := h.console.Snapshot()

	result := &StatusResult{
		ConsoleName:     snap.Name,
		State:           snap.State.String(),
		Version:         h.version,
		SessionState:    snap.Session.State.String(),
		SessionAttempts: snap.Session.Attempts,
		LastError:       snap.Session.LastError,
	}
	if !snap.StartedAt.IsZero() {
		result.Uptime = time.Since(snap.StartedAt).Round(time.Second).String()
	}
	if snap.Session.RemoteVersion != (session.Version{}) {
		result.ServerVersion = snap.Session.RemoteVersion.String()
	}
	if j := h.console.Journal(); j != nil {
		result.JournalRecords = j.Len()
		result.JournalUnarchived = len(j.Unarchived())
	}
	return result, nil
}

// NodesList handles the "nodes.list" method.
func (h *Handlers) NodesList(ctx context.Context, params json.RawMessage) (any, *Error) {
	snap := h.console.Snapshot()

	nodes := make([]NodeInfo, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes = append(nodes, NodeInfo{
			Name:        n.Name,
			Addr:        n.Addr,
			Capacity:    n.Capacity,
			Outstanding: n.Outstanding,
			Waiting:     n.Waiting,
			Breaker:     n.Breaker,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	return &NodesListResult{Nodes: nodes, Total: len(nodes)}, nil
}

// JournalList handles the "journal.list" method.
func (h *Handlers) JournalList(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p JournalListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
	}

	j := h.console.Journal()
	if j == nil {
		return nil, ErrInternal("journal not available")
	}

	records := j.Records()
	if p.UnarchivedOnly {
		records = j.Unarchived()
	}
	total := len(records)
	if p.Limit > 0 && len(records) > p.Limit {
		records = records[len(records)-p.Limit:]
	}

	out := make([]ExposureInfo, 0, len(records))
	for _, r := range records {
		out = append(out, ExposureInfo{
			ID:              r.ID.String(),
			StudyUID:        r.StudyUID,
			AcquiredAt:      r.AcquiredAt,
			Kilovoltage:     r.Kilovoltage,
			MilliampSeconds: r.MilliampSeconds,
			DoseAreaProduct: r.DoseAreaProduct,
			Archived:        r.Archived,
		})
	}
	return &JournalListResult{Records: out, Total: total}, nil
}

// JournalArchive handles the "journal.archive" method.
func (h *Handlers) JournalArchive(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p JournalArchiveParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return nil, ErrInvalidParams("id must be a UUID")
	}

	j := h.console.Journal()
	if j == nil {
		return nil, ErrInternal("journal not available")
	}
	if !j.MarkArchived(id) {
		return nil, ErrNotFound(p.ID)
	}
	return &JournalArchiveResult{Success: true, Message: "record archived"}, nil
}

// SessionReconnect handles the "session.reconnect" method. It starts a
// manual recovery attempt on a faulted command channel.
func (h *Handlers) SessionReconnect(ctx context.Context, params json.RawMessage) (any, *Error) {
	sess := h.console.Session()
	if sess == nil {
		return nil, ErrInternal("session not available")
	}

	if err := sess.TriggerReconnect(); err != nil {
		return nil, ErrWrongState(sess.State().String())
	}
	return &SessionReconnectResult{
		Accepted: true,
		State:    sess.State().String(),
		Message:  "recovery started",
	}, nil
}
