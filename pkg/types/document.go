package types

import "time"

// Document is a backend-owned entity document. Clients hold cached copies;
// the authoritative version, sequence number, and server timestamp are only
// ever assigned server-side.
type Document struct {
	TenantID        string                 `json:"tenant_id"`
	Collection      string                 `json:"collection"`
	DocumentID      string                 `json:"document_id"`
	Fields          map[string]interface{} `json:"fields"`
	ServerUpdatedAt int64                  `json:"server_updated_at"`
	UpdatedBy       string                 `json:"updated_by"`
	SequenceNumber  *int64                 `json:"sequence_number,omitempty"`
	Version         int64                  `json:"version"`
	ConflictFlag    bool                   `json:"conflict_flag"`
	DeletedAt       *int64                 `json:"deleted_at,omitempty"`
}

// Counter is a per-(tenant, key) sequence counter row. Values are strictly
// increasing and never reused; the row is created lazily on first allocation.
type Counter struct {
	TenantID   string    `json:"tenant_id"`
	CounterKey string    `json:"counter_key"`
	Value      int64     `json:"value"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditRecord is an immutable before/after snapshot of a successful
// mutation. Records are never updated and are only removed by the TTL sweep.
type AuditRecord struct {
	ID         string                 `json:"id"`
	Operation  OpType                 `json:"operation"`
	Collection string                 `json:"collection"`
	DocumentID string                 `json:"document_id"`
	TenantID   string                 `json:"tenant_id"`
	ActorID    string                 `json:"actor_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after,omitempty"`
	TTLExpiry  time.Time              `json:"ttl_expiry"`
}

// ReviewRecord retains both competing payloads of a flagged conflict for
// human reconciliation. The live document still reflects the LWW outcome.
type ReviewRecord struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	Collection      string                 `json:"collection"`
	DocumentID      string                 `json:"document_id"`
	StoredPayload   map[string]interface{} `json:"stored_payload"`
	IncomingPayload map[string]interface{} `json:"incoming_payload"`
	StoredActor     string                 `json:"stored_actor"`
	IncomingActor   string                 `json:"incoming_actor"`
	StoredAt        int64                  `json:"stored_at"`
	IncomingAt      int64                  `json:"incoming_at"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Role is a tenant membership role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether the role is one of admin, member, viewer.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember || r == RoleViewer
}

// CanWrite reports whether the role is allowed to mutate documents.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleMember
}

// MembershipStatus is the state of a tenant membership.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipSuspended MembershipStatus = "suspended"
)

// Valid reports whether the status is one of active, suspended.
func (s MembershipStatus) Valid() bool {
	return s == MembershipActive || s == MembershipSuspended
}

// TenantMembership binds a caller uid to a tenant with a role.
type TenantMembership struct {
	UID      string           `json:"uid"`
	TenantID string           `json:"tenant_id"`
	Role     Role             `json:"role"`
	Status   MembershipStatus `json:"status"`
}
