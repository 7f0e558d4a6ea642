// Package partition groups completed spans by their (tenant, agent) identity
// ahead of export. Spans missing either identity attribute are excluded from
// every group and counted, never treated as an error.
package partition

import (
	"log/slog"
	"strings"

	"github.com/microsoft/agent365-go/internal/model"
)

// separator joins tenant and agent into one group key. Tenant IDs are GUIDs
// and agent IDs are URL path segments, so neither contains a slash.
const separator = "/"

// Group is the set of spans sharing one (tenant, agent) identity.
// Built fresh for each flush, never persisted.
type Group struct {
	TenantID string
	AgentID  string
	Spans    []model.SpanRecord
}

// ByIdentity partitions spans by the tenant/agent identity attributes.
// Identity values are trimmed and must both be non-empty. The number of
// skipped spans is logged once per call to keep log volume flat.
func ByIdentity(logger *slog.Logger, spans []model.SpanRecord) map[string]*Group {
	groups := make(map[string]*Group)
	skipped := 0

	for _, s := range spans {
		tenantID := strings.TrimSpace(s.Attr(model.AttrTenantID))
		agentID := strings.TrimSpace(s.Attr(model.AttrAgentID))
		if tenantID == "" || agentID == "" {
			skipped++
			continue
		}

		key := Key(tenantID, agentID)
		g, ok := groups[key]
		if !ok {
			g = &Group{TenantID: tenantID, AgentID: agentID}
			groups[key] = g
		}
		g.Spans = append(g.Spans, s)
	}

	if skipped > 0 {
		logger.Warn("partition: spans missing tenant/agent identity excluded from export",
			"skipped", skipped,
			"total", len(spans),
		)
	}
	return groups
}

// Key composes a deterministic group key for one identity pair.
// ParseKey recovers the pair.
func Key(tenantID, agentID string) string {
	return tenantID + separator + agentID
}

// ParseKey splits a group key back into its tenant and agent IDs.
func ParseKey(key string) (tenantID, agentID string, ok bool) {
	return strings.Cut(key, separator)
}
