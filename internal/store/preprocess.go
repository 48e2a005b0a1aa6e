package store

import (
	"fmt"

	"github.com/mrshabel/raftkeeper/internal/coordination"
)

// RequestContext carries everything about the caller that preprocessing
// needs but that doesn't belong on the wire request itself (§4.2,
// §5 Concurrency & Resource Model).
type RequestContext struct {
	SessionID int64
	AuthIDs   []coordination.AuthID
	ClientIP  string
	NowMs     int64
	CheckACL  bool
}

// sequentialSuffix renders cversion as ZooKeeper's fixed 10-digit,
// zero-padded sequential suffix.
func sequentialSuffix(cversion int32) string {
	return fmt.Sprintf("%010d", cversion)
}

// PreprocessRequest validates req against the current (possibly still
// uncommitted) tree state and, for mutating ops, applies speculative
// deltas tagged with zxid immediately so later requests in the same
// preprocessing window observe them. The Raft layer later calls
// Commit or Rollback against zxid once the outcome of replication is
// known (§4.3's pre_commit/commit/rollback glue).
func (s *Store) PreprocessRequest(req coordination.Request, ctx RequestContext, zxid int64) coordination.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r := req.(type) {
	case coordination.CreateRequest:
		return s.preprocessCreate(r, ctx, zxid)
	case coordination.DeleteRequest:
		return s.preprocessDelete(r, ctx, zxid)
	case coordination.ExistsRequest:
		return s.processExists(r, ctx)
	case coordination.GetRequest:
		return s.processGet(r, ctx)
	case coordination.SetRequest:
		return s.preprocessSet(r, ctx, zxid)
	case coordination.GetACLRequest:
		return s.processGetACL(r, ctx)
	case coordination.SetACLRequest:
		return s.preprocessSetACL(r, ctx, zxid)
	case coordination.ListRequest:
		return s.processList(r.Path, r.Filter, ctx)
	case coordination.FilteredListRequest:
		return s.processList(r.Path, r.Filter, ctx)
	case coordination.SyncRequest:
		return coordination.SyncResponse{Path: r.Path}
	case coordination.MultiRequest:
		return s.preprocessMulti(r, ctx, zxid)
	case coordination.MultiReadRequest:
		return s.processMultiRead(r, ctx)
	case coordination.AuthRequest:
		return s.preprocessAuth(r, ctx, zxid)
	case coordination.CheckRequest:
		return s.preprocessCheck(r, ctx, zxid)
	case coordination.CloseRequest:
		return s.preprocessClose(ctx, zxid)
	default:
		return coordination.NewError(req, coordination.ZUnimplemented)
	}
}

// Commit finalizes every delta recorded at or before zxid: they are
// already applied to the tree, so this only trims the undo log.
func (s *Store) Commit(zxid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas.commit(zxid)
	if zxid > s.zxid {
		s.zxid = zxid
	}
}

// Rollback undoes every delta recorded after keepZxid, used when a
// pre_commit'd entry never made it through Raft replication.
func (s *Store) Rollback(keepZxid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas.rollback(s, keepZxid)
}

func (s *Store) canWrite(path string) coordination.ErrCode {
	if isUnderSystemRoot(path) && s.state != StateRunning {
		return coordination.ZSystemError
	}
	return coordination.ZOK
}

func (s *Store) preprocessCreate(r coordination.CreateRequest, ctx RequestContext, zxid int64) coordination.Response {
	if code := s.canWrite(r.Path); code != coordination.ZOK {
		return coordination.NewError(r, code)
	}
	parentPath, base := splitPath(r.Path)
	parent := s.tree.get(parentPath)
	if parent == nil {
		return coordination.NewError(r, coordination.ZNoNode)
	}
	if ctx.CheckACL && !checkACL(parent.ACLs, ctx.AuthIDs, ctx.ClientIP, coordination.PermCreate) {
		return coordination.NewError(r, coordination.ZNoAuth)
	}
	if parent.Stat.EphemeralOwner != 0 {
		return coordination.NewError(r, coordination.ZNoChildrenForEphemerals)
	}

	finalPath := r.Path
	if r.IsSequential {
		finalPath = parentPath + "/" + base + sequentialSuffix(parent.Stat.Cversion)
		if parentPath == "/" {
			finalPath = "/" + base + sequentialSuffix(parent.Stat.Cversion)
		}
	}
	_, finalBase := splitPath(finalPath)
	if _, exists := parent.Children[finalBase]; exists {
		return coordination.NewError(r, coordination.ZNodeExists)
	}

	acls := r.ACLs
	if len(acls) == 0 {
		acls = defaultWorldACL()
	} else {
		rewritten, ok := rewriteAuthACLs(acls, ctx.AuthIDs)
		if !ok {
			return coordination.NewError(r, coordination.ZInvalidACL)
		}
		acls = rewritten
	}

	owner := int64(0)
	if r.IsEphemeral {
		owner = ctx.SessionID
	}
	node := &Node{
		Data:     append([]byte(nil), r.Data...),
		ACLs:     acls,
		Children: make(map[string]struct{}),
		Stat: coordination.Stat{
			Czxid: zxid, Mzxid: zxid, Ctime: ctx.NowMs, Mtime: ctx.NowMs,
			Version: 0, Cversion: 0, Aversion: 0,
			EphemeralOwner: owner, DataLength: int32(len(r.Data)), NumChildren: 0,
			Pzxid: zxid,
		},
	}
	d := createNodeDelta{path: finalPath, node: node}
	d.apply(s)
	s.deltas.record(zxid, d, finalPath)

	newParent := parent.clone()
	newParent.Children[finalBase] = struct{}{}
	newParent.Stat.Cversion++
	newParent.Stat.NumChildren = int32(len(newParent.Children))
	newParent.Stat.Pzxid = zxid
	pd := updateNodeDelta{path: parentPath, prev: parent, next: newParent}
	pd.apply(s)
	s.deltas.record(zxid, pd, parentPath)

	if r.IsEphemeral {
		s.ephemerals.add(owner, finalPath)
	}

	return coordination.CreateResponse{Path: finalPath}
}

func (s *Store) preprocessDelete(r coordination.DeleteRequest, ctx RequestContext, zxid int64) coordination.Response {
	node := s.tree.get(r.Path)
	if node == nil {
		return coordination.NewError(r, coordination.ZNoNode)
	}
	if r.Version != -1 && r.Version != node.Stat.Version {
		return coordination.NewError(r, coordination.ZBadVersion)
	}
	if ctx.CheckACL && !checkACL(node.ACLs, ctx.AuthIDs, ctx.ClientIP, coordination.PermDelete) {
		return coordination.NewError(r, coordination.ZNoAuth)
	}
	if len(node.Children) > 0 {
		return coordination.NewError(r, coordination.ZNotEmpty)
	}

	d := removeNodeDelta{path: r.Path, prev: node}
	d.apply(s)
	s.deltas.record(zxid, d, r.Path)

	parentPath, base := splitPath(r.Path)
	if parent := s.tree.get(parentPath); parent != nil {
		newParent := parent.clone()
		delete(newParent.Children, base)
		newParent.Stat.Cversion++
		newParent.Stat.NumChildren = int32(len(newParent.Children))
		newParent.Stat.Pzxid = zxid
		pd := updateNodeDelta{path: parentPath, prev: parent, next: newParent}
		pd.apply(s)
		s.deltas.record(zxid, pd, parentPath)
	}

	if node.Stat.EphemeralOwner != 0 {
		s.ephemerals.remove(node.Stat.EphemeralOwner, r.Path)
	}

	return coordination.DeleteResponse{}
}

func (s *Store) processExists(r coordination.ExistsRequest, ctx RequestContext) coordination.Response {
	if r.Path == featureFlagsPath {
		return coordination.ExistsResponse{Stat: coordination.Stat{}}
	}
	node := s.tree.get(r.Path)
	if node == nil {
		return coordination.NewError(r, coordination.ZNoNode)
	}
	return coordination.ExistsResponse{Stat: node.Stat}
}

func (s *Store) processGet(r coordination.GetRequest, ctx RequestContext) coordination.Response {
	if r.Path == featureFlagsPath {
		return coordination.GetResponse{Data: encodeFeatureFlags(), Stat: coordination.Stat{}}
	}
	node := s.tree.get(r.Path)
	if node == nil {
		return coordination.NewError(r, coordination.ZNoNode)
	}
	if ctx.CheckACL && !checkACL(node.ACLs, ctx.AuthIDs, ctx.ClientIP, coordination.PermRead) {
		return coordination.NewError(r, coordination.ZNoAuth)
	}
	return coordination.GetResponse{Data: append([]byte(nil), node.Data...), Stat: node.Stat}
}

func (s *Store) preprocessSet(r coordination.SetRequest, ctx RequestContext, zxid int64) coordination.Response {
	if code := s.canWrite(r.Path); code != coordination.ZOK {
		return coordination.NewError(r, code)
	}
	node := s.tree.get(r.Path)
	if node == nil {
		return coordination.NewError(r, coordination.ZNoNode)
	}
	if r.Version != -1 && r.Version != node.Stat.Version {
		return coordination.NewError(r, coordination.ZBadVersion)
	}
	if ctx.CheckACL && !checkACL(node.ACLs, ctx.AuthIDs, ctx.ClientIP, coordination.PermWrite) {
		return coordination.NewError(r, coordination.ZNoAuth)
	}

	next := node.clone()
	next.Data = append([]byte(nil), r.Data...)
	next.Stat.Version++
	next.Stat.Mzxid = zxid
	next.Stat.Mtime = ctx.NowMs
	next.Stat.DataLength = int32(len(r.Data))

	d := updateNodeDelta{path: r.Path, prev: node, next: next}
	d.apply(s)
	s.deltas.record(zxid, d, r.Path)

	return coordination.SetResponse{Stat: next.Stat}
}

func (s *Store) processGetACL(r coordination.GetACLRequest, ctx RequestContext) coordination.Response {
	node := s.tree.get(r.Path)
	if node == nil {
		return coordination.NewError(r, coordination.ZNoNode)
	}
	return coordination.GetACLResponse{ACLs: append([]coordination.ACLEntry(nil), node.ACLs...), Stat: node.Stat}
}

func (s *Store) preprocessSetACL(r coordination.SetACLRequest, ctx RequestContext, zxid int64) coordination.Response {
	node := s.tree.get(r.Path)
	if node == nil {
		return coordination.NewError(r, coordination.ZNoNode)
	}
	if r.Version != -1 && r.Version != node.Stat.Aversion {
		return coordination.NewError(r, coordination.ZBadVersion)
	}
	if ctx.CheckACL && !checkACL(node.ACLs, ctx.AuthIDs, ctx.ClientIP, coordination.PermAdmin) {
		return coordination.NewError(r, coordination.ZNoAuth)
	}
	acls, ok := rewriteAuthACLs(r.ACLs, ctx.AuthIDs)
	if !ok {
		return coordination.NewError(r, coordination.ZInvalidACL)
	}

	next := node.clone()
	next.ACLs = acls
	next.Stat.Aversion++

	d := updateNodeDelta{path: r.Path, prev: node, next: next}
	d.apply(s)
	s.deltas.record(zxid, d, r.Path)

	return coordination.SetACLResponse{Stat: next.Stat}
}

func (s *Store) processList(path string, filter coordination.ListFilter, ctx RequestContext) coordination.Response {
	node := s.tree.get(path)
	if node == nil {
		return coordination.NewError(coordination.ListRequest{Path: path, Filter: filter}, coordination.ZNoNode)
	}
	if ctx.CheckACL && !checkACL(node.ACLs, ctx.AuthIDs, ctx.ClientIP, coordination.PermRead) {
		return coordination.NewError(coordination.ListRequest{Path: path, Filter: filter}, coordination.ZNoAuth)
	}

	var children []string
	for _, name := range node.sortedChildren() {
		childPath := path
		if childPath != "/" {
			childPath += "/"
		} else {
			childPath = "/"
		}
		childPath += name
		if filter == coordination.ListAll {
			children = append(children, name)
			continue
		}
		child := s.tree.get(childPath)
		if child == nil {
			continue
		}
		isEphemeral := child.Stat.EphemeralOwner != 0
		if (filter == coordination.ListEphemeralOnly && isEphemeral) || (filter == coordination.ListPersistentOnly && !isEphemeral) {
			children = append(children, name)
		}
	}
	return coordination.ListResponse{Children: children, Stat: node.Stat}
}

func (s *Store) preprocessAuth(r coordination.AuthRequest, ctx RequestContext, zxid int64) coordination.Response {
	if r.Scheme != coordination.SchemeDigest {
		return coordination.NewError(r, coordination.ZAuthFailed)
	}
	cred := digestOf(string(r.Data))
	d := addAuthDelta{sessionID: ctx.SessionID, auth: coordination.AuthID{Scheme: coordination.SchemeDigest, ID: cred}}
	d.apply(s)
	s.deltas.record(zxid, d, "")
	return coordination.AuthResponse{}
}

func (s *Store) preprocessCheck(r coordination.CheckRequest, ctx RequestContext, zxid int64) coordination.Response {
	node := s.tree.get(r.Path)
	if r.NotExists {
		if node != nil && (r.Version == -1 || r.Version == node.Stat.Version) {
			return coordination.NewError(r, coordination.ZNodeExists)
		}
		return coordination.CheckResponse{}
	}
	if node == nil {
		return coordination.NewError(r, coordination.ZNoNode)
	}
	if r.Version != -1 && r.Version != node.Stat.Version {
		return coordination.NewError(r, coordination.ZBadVersion)
	}
	return coordination.CheckResponse{}
}

func (s *Store) preprocessClose(ctx RequestContext, zxid int64) coordination.Response {
	d := &closeSessionDelta{sessionID: ctx.SessionID}
	d.apply(s)
	s.deltas.record(zxid, d, "")
	return coordination.CloseResponse{}
}

// preprocessMulti applies each sub-op in order, rolling back every
// delta it recorded if any sub-op fails, so a Multi batch is all-or-
// nothing even though individual ops are applied speculatively (§4.2).
func (s *Store) preprocessMulti(r coordination.MultiRequest, ctx RequestContext, zxid int64) coordination.Response {
	startLen := s.deltas.len()
	results := make([]coordination.Response, len(r.Ops))
	failedAt := -1
	var failCode coordination.ErrCode

	for i, op := range r.Ops {
		resp := s.dispatchMultiOp(op, ctx, zxid)
		results[i] = resp
		if resp.Code() != coordination.ZOK {
			failedAt = i
			failCode = resp.Code()
			break
		}
	}

	if failedAt >= 0 {
		for i := len(s.deltas.entries) - 1; i >= startLen; i-- {
			s.deltas.entries[i].delta.undo(s)
		}
		s.deltas.entries = s.deltas.entries[:startLen]
		s.deltas.reindex()
		for i := range results {
			if i != failedAt {
				results[i] = coordination.NewError(r.Ops[i], coordination.ZRuntimeInconsistency)
			}
		}
		return coordination.MultiResponse{Err: failCode, Results: results}
	}

	return coordination.MultiResponse{Results: results}
}

func (s *Store) dispatchMultiOp(op coordination.Request, ctx RequestContext, zxid int64) coordination.Response {
	switch r := op.(type) {
	case coordination.CreateRequest:
		return s.preprocessCreate(r, ctx, zxid)
	case coordination.DeleteRequest:
		return s.preprocessDelete(r, ctx, zxid)
	case coordination.SetRequest:
		return s.preprocessSet(r, ctx, zxid)
	case coordination.CheckRequest:
		return s.preprocessCheck(r, ctx, zxid)
	default:
		return coordination.NewError(op, coordination.ZUnimplemented)
	}
}

func (s *Store) processMultiRead(r coordination.MultiReadRequest, ctx RequestContext) coordination.Response {
	results := make([]coordination.Response, len(r.Ops))
	for i, op := range r.Ops {
		switch req := op.(type) {
		case coordination.ExistsRequest:
			results[i] = s.processExists(req, ctx)
		case coordination.GetRequest:
			results[i] = s.processGet(req, ctx)
		case coordination.GetACLRequest:
			results[i] = s.processGetACL(req, ctx)
		case coordination.ListRequest:
			results[i] = s.processList(req.Path, req.Filter, ctx)
		case coordination.FilteredListRequest:
			results[i] = s.processList(req.Path, req.Filter, ctx)
		default:
			results[i] = coordination.NewError(op, coordination.ZUnimplemented)
		}
	}
	return coordination.MultiReadResponse{Results: results}
}
