package types

// Well-known event kinds the relay treats specially.
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindFollowList      = 3
	KindDeletion        = 5
)

// Reserved kind ranges with non-regular storage semantics.
const (
	replaceableRangeStart      = 10000
	replaceableRangeEnd        = 20000
	ephemeralRangeStart        = 20000
	ephemeralRangeEnd          = 30000
	paramReplaceableRangeStart = 30000
	paramReplaceableRangeEnd   = 40000
)

// KindClass determines how the store treats events of a given kind.
type KindClass int

const (
	// KindRegular events are unique by id and kept forever.
	KindRegular KindClass = iota
	// KindReplaceable events are a singleton per (kind, pubkey).
	KindReplaceable
	// KindParamReplaceable events are a singleton per (kind, pubkey, "d" tag value).
	KindParamReplaceable
	// KindEphemeral events are broadcast to subscribers but never stored.
	KindEphemeral
)

func (c KindClass) String() string {
	switch c {
	case KindRegular:
		return "regular"
	case KindReplaceable:
		return "replaceable"
	case KindParamReplaceable:
		return "param-replaceable"
	case KindEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// KindClassOf classifies an event kind.
func KindClassOf(kind int) KindClass {
	switch {
	case kind == KindProfileMetadata || kind == KindFollowList:
		return KindReplaceable
	case kind >= replaceableRangeStart && kind < replaceableRangeEnd:
		return KindReplaceable
	case kind >= ephemeralRangeStart && kind < ephemeralRangeEnd:
		return KindEphemeral
	case kind >= paramReplaceableRangeStart && kind < paramReplaceableRangeEnd:
		return KindParamReplaceable
	default:
		return KindRegular
	}
}
