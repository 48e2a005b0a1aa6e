package coordination

// OpCode identifies a request's variant for dispatch, matching the wire
// subset from §6.
type OpCode int

const (
	OpCreate OpCode = iota
	OpDelete
	OpExists
	OpGet
	OpSet
	OpGetACL
	OpSetACL
	OpList
	OpFilteredList
	OpSync
	OpMulti
	OpMultiRead
	OpAuth
	OpCheck
	OpClose
)

// ListFilter restricts FilteredList results by ephemeral ownership.
type ListFilter int

const (
	ListAll ListFilter = iota
	ListPersistentOnly
	ListEphemeralOnly
)

// Request is the tagged union of every operation this core understands.
// Dispatch is a type switch, not a virtual call, per Design Notes §9.
type Request interface {
	Op() OpCode
}

type CreateRequest struct {
	Path         string
	Data         []byte
	ACLs         []ACLEntry
	IsEphemeral  bool
	IsSequential bool
}

func (CreateRequest) Op() OpCode { return OpCreate }

type DeleteRequest struct {
	Path    string
	Version int32 // -1 means "any version"
}

func (DeleteRequest) Op() OpCode { return OpDelete }

type ExistsRequest struct {
	Path string
}

func (ExistsRequest) Op() OpCode { return OpExists }

type GetRequest struct {
	Path string
}

func (GetRequest) Op() OpCode { return OpGet }

type SetRequest struct {
	Path    string
	Data    []byte
	Version int32
}

func (SetRequest) Op() OpCode { return OpSet }

type GetACLRequest struct {
	Path string
}

func (GetACLRequest) Op() OpCode { return OpGetACL }

type SetACLRequest struct {
	Path    string
	ACLs    []ACLEntry
	Version int32
}

func (SetACLRequest) Op() OpCode { return OpSetACL }

type ListRequest struct {
	Path   string
	Filter ListFilter // ListAll unless the FilteredList extension is used
}

func (ListRequest) Op() OpCode {
	return OpList
}

// FilteredListRequest is the explicit FilteredList variant from §4.2; it
// is kept distinct from ListRequest so feature-flag gating
// (api_feature_flags' FILTERED_LIST bit) can tell whether a caller is
// relying on the extension.
type FilteredListRequest struct {
	Path   string
	Filter ListFilter
}

func (FilteredListRequest) Op() OpCode { return OpFilteredList }

type SyncRequest struct {
	Path string
}

func (SyncRequest) Op() OpCode { return OpSync }

type MultiRequest struct {
	Ops []Request
}

func (MultiRequest) Op() OpCode { return OpMulti }

// MultiReadRequest batches read-only sub-ops (Exists/Get/GetACL/List)
// into one zxid-less round trip, advertised by the MULTI_READ feature
// flag.
type MultiReadRequest struct {
	Ops []Request
}

func (MultiReadRequest) Op() OpCode { return OpMultiRead }

type AuthRequest struct {
	Scheme string
	Data   []byte // e.g. "user:password" for digest
}

func (AuthRequest) Op() OpCode { return OpAuth }

// CheckRequest validates a node's version, or — when NotExists is set —
// inverts to "does this node NOT match" per §4.2's CheckNotExists
// extension, gated by the CHECK_NOT_EXISTS feature flag.
type CheckRequest struct {
	Path      string
	Version   int32
	NotExists bool
}

func (CheckRequest) Op() OpCode { return OpCheck }

type CloseRequest struct{}

func (CloseRequest) Op() OpCode { return OpClose }
