package broadcast

import "github.com/cory-johannsen/collabd/internal/session"

// Scope decides whether a session receives a broadcast. A nil Scope accepts
// every session.
type Scope func(s *session.UserSession) bool

func (sc Scope) accepts(s *session.UserSession) bool {
	return sc == nil || sc(s)
}

// ExcludeUser accepts every session except uid's.
func ExcludeUser(uid string) Scope {
	return func(s *session.UserSession) bool {
		return s.UID() != uid
	}
}

// Users accepts only the listed identities.
func Users(uids ...string) Scope {
	set := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		set[uid] = struct{}{}
	}
	return func(s *session.UserSession) bool {
		_, ok := set[s.UID()]
		return ok
	}
}

// Extension accepts sessions whose permissions do not server-exclude the
// named workspace extension.
func Extension(name string) Scope {
	return func(s *session.UserSession) bool {
		return !s.Permissions().Excludes(name)
	}
}

// And accepts a session only if every non-nil scope accepts it.
func And(scopes ...Scope) Scope {
	return func(s *session.UserSession) bool {
		for _, sc := range scopes {
			if !sc.accepts(s) {
				return false
			}
		}
		return true
	}
}
