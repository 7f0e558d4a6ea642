package agent365

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/microsoft/agent365-go/internal/model"
	"github.com/microsoft/agent365-go/internal/partition"
)

// Attribute keys the pipeline reads from spans. Both identity keys must be
// present and non-empty (after trimming) for a span to be exported; spans
// missing either are excluded from every batch and counted as skipped.
const (
	AttrTenantID = model.AttrTenantID
	AttrAgentID  = model.AttrAgentID
)

// GenAI semantic-convention keys instrumentation typically attaches
// alongside the identity attributes.
const (
	AttrOperationName     attribute.Key = "gen_ai.operation.name"
	AttrRequestModel      attribute.Key = "gen_ai.request.model"
	AttrToolName          attribute.Key = "gen_ai.tool.name"
	AttrUsageInputTokens  attribute.Key = "gen_ai.usage.input_tokens"
	AttrUsageOutputTokens attribute.Key = "gen_ai.usage.output_tokens"
)

// Identity is the (tenant, agent) pair export batches are scoped by.
type Identity struct {
	TenantID string
	AgentID  string
}

// Attributes returns the span attributes carrying this identity.
// Attach them to every span meant for export.
func (id Identity) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(id.TenantID),
		AttrAgentID.String(id.AgentID),
	}
}

// Key returns the deterministic group key for this identity pair.
func (id Identity) Key() string {
	return partition.Key(id.TenantID, id.AgentID)
}

// ParseIdentity recovers an Identity from a group key.
func ParseIdentity(key string) (Identity, bool) {
	tenantID, agentID, ok := partition.ParseKey(key)
	return Identity{TenantID: tenantID, AgentID: agentID}, ok
}
