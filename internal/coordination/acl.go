package coordination

// Permission bits, matching the ZooKeeper ACL permission vocabulary.
const (
	PermRead   uint32 = 1 << 0
	PermWrite  uint32 = 1 << 1
	PermCreate uint32 = 1 << 2
	PermDelete uint32 = 1 << 3
	PermAdmin  uint32 = 1 << 4
	PermAll           = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)

// Scheme names recognized by the ACL evaluator (§1 Non-goals cap
// authentication schemes at these four).
const (
	SchemeWorld  = "world"
	SchemeAuth   = "auth"
	SchemeDigest = "digest"
	SchemeIP     = "ip"
)

// ACLEntry is one (permissions, scheme, id) tuple attached to a node.
type ACLEntry struct {
	Perms  uint32
	Scheme string
	ID     string
}

// AuthID is one authenticated identity a session holds, added via the
// Auth request.
type AuthID struct {
	Scheme string
	ID     string
}
