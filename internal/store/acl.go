package store

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/mrshabel/raftkeeper/internal/coordination"
)

// digestOf computes the ZooKeeper-style "user:base64(sha1(user:pass))"
// credential for a digest-scheme ACL or AUTH_REQUEST payload.
func digestOf(userPass string) string {
	parts := strings.SplitN(userPass, ":", 2)
	user := parts[0]
	sum := sha1.Sum([]byte(userPass))
	return user + ":" + base64.StdEncoding.EncodeToString(sum[:])
}

// rewriteAuthACLs resolves every "auth" scheme entry in acls into one
// concrete "digest" entry per digest identity the requesting session
// holds, per §4.2's Supplemented Features auth-scheme rewrite. A
// request carrying an "auth" ACL with no digest identity on the
// session is rejected with ZInvalidACL, matching the reference
// behavior of refusing to create an ACL nobody present could satisfy.
func rewriteAuthACLs(acls []coordination.ACLEntry, authIDs []coordination.AuthID) ([]coordination.ACLEntry, bool) {
	var digestIDs []coordination.AuthID
	for _, a := range authIDs {
		if a.Scheme == coordination.SchemeDigest {
			digestIDs = append(digestIDs, a)
		}
	}

	out := make([]coordination.ACLEntry, 0, len(acls))
	for _, entry := range acls {
		if entry.Scheme != coordination.SchemeAuth {
			out = append(out, entry)
			continue
		}
		if len(digestIDs) == 0 {
			return nil, false
		}
		for _, id := range digestIDs {
			out = append(out, coordination.ACLEntry{Perms: entry.Perms, Scheme: coordination.SchemeDigest, ID: id.ID})
		}
	}
	return out, true
}

// checkACL reports whether a caller holding authIDs and connecting
// from clientIP satisfies at least one ACL entry granting required.
func checkACL(acls []coordination.ACLEntry, authIDs []coordination.AuthID, clientIP string, required uint32) bool {
	if len(acls) == 0 {
		// an empty ACL list is only reachable for the synthetic system
		// nodes; real nodes always carry at least the creator's ACL.
		return true
	}
	for _, entry := range acls {
		if entry.Perms&required != required {
			continue
		}
		switch entry.Scheme {
		case coordination.SchemeWorld:
			if entry.ID == "anyone" {
				return true
			}
		case coordination.SchemeDigest:
			for _, a := range authIDs {
				if a.Scheme == coordination.SchemeDigest && a.ID == entry.ID {
					return true
				}
			}
		case coordination.SchemeIP:
			if clientIP != "" && (entry.ID == clientIP || strings.HasPrefix(clientIP, entry.ID)) {
				return true
			}
		case coordination.SchemeAuth:
			// should already have been rewritten to digest entries by
			// rewriteAuthACLs at create/setACL time; treat a surviving
			// one as satisfied by any authenticated identity.
			if len(authIDs) > 0 {
				return true
			}
		}
	}
	return false
}

func defaultWorldACL() []coordination.ACLEntry {
	return []coordination.ACLEntry{{Perms: coordination.PermAll, Scheme: coordination.SchemeWorld, ID: "anyone"}}
}
