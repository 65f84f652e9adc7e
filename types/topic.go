package types

import "bytes"

// Topic names a per-organization certificate timeline. Each topic keeps a
// monotonic last-timestamp index; every appended certificate must strictly
// succeed it.
type TopicKind int

const (
	TopicCommon TopicKind = iota
	TopicSequester
	TopicRealm
	TopicShamirRecovery
)

type Topic struct {
	Kind  TopicKind
	Realm RealmID // set when Kind == TopicRealm
	User  UserID  // set when Kind == TopicShamirRecovery
}

func CommonTopic() Topic            { return Topic{Kind: TopicCommon} }
func SequesterTopic() Topic        { return Topic{Kind: TopicSequester} }
func RealmTopic(id RealmID) Topic  { return Topic{Kind: TopicRealm, Realm: id} }
func ShamirTopic(user UserID) Topic { return Topic{Kind: TopicShamirRecovery, User: user} }

func (t Topic) String() string {
	switch t.Kind {
	case TopicCommon:
		return "common"
	case TopicSequester:
		return "sequester"
	case TopicRealm:
		return "realm/" + t.Realm.String()
	case TopicShamirRecovery:
		return "shamir_recovery/" + t.User.String()
	}
	return "unknown"
}

// TopicLess defines the canonical total order used when locking several
// topics in one command: common < sequester < realm (sorted by id) < shamir
// recovery (sorted by user). Taking locks in this order rules out deadlock.
func TopicLess(a, b Topic) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Kind == TopicRealm {
		return bytes.Compare(a.Realm[:], b.Realm[:]) < 0
	}
	if a.Kind == TopicShamirRecovery {
		return bytes.Compare(a.User[:], b.User[:]) < 0
	}
	return false
}
