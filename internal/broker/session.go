package broker

import "time"

// Member is one side of a session: the identity a client presented plus
// the connection it arrived on.
type Member struct {
	ClientID    string
	DisplayName string
	Conn        Conn

	// sawPeer records that this member has shared the session with a
	// second member at some point, which decides how a relay with no
	// current peer is reported.
	sawPeer bool
}

// Session pairs at most two members behind a shared secret. Fields are
// written only under the registry mutex; ID, Token and the timestamps
// are immutable after creation.
type Session struct {
	ID        string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time

	members []Member
}

func (s *Session) full() bool {
	return len(s.members) >= 2
}

func (s *Session) member(clientID string) (Member, bool) {
	for _, m := range s.members {
		if m.ClientID == clientID {
			return m, true
		}
	}
	return Member{}, false
}

// peer returns the member that is not clientID.
func (s *Session) peer(clientID string) (Member, bool) {
	for _, m := range s.members {
		if m.ClientID != clientID {
			return m, true
		}
	}
	return Member{}, false
}

func (s *Session) removeMember(clientID string) bool {
	for i, m := range s.members {
		if m.ClientID == clientID {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return true
		}
	}
	return false
}
