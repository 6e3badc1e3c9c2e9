package reminder

// Tag identifies an independent reminder lineage inside one chat.
// It is a closed set: anything outside it normalizes to TagNone at the key
// boundary, so a stale or mistyped stored value can never fork off its own
// scheduling key.
type Tag string

const (
	TagNone   Tag = ""
	TagWasher Tag = "washer"
	TagDryer  Tag = "dryer"
)

// ParseTag maps a raw string onto the closed tag set.
func ParseTag(s string) Tag {
	switch Tag(s) {
	case TagWasher:
		return TagWasher
	case TagDryer:
		return TagDryer
	default:
		return TagNone
	}
}

func (t Tag) String() string { return string(t) }

// key is the normalization key: at most one live timer and at most one
// pending durable row exist per key.
type key struct {
	chatID int64
	tag    Tag
}

func normalizeKey(chatID int64, tag Tag) key {
	return key{chatID: chatID, tag: ParseTag(string(tag))}
}
