package bus

import "strings"

// MatchTopic reports whether topic matches pattern.
//
// Topics are colon-delimited ("tg:12345", "inbound:42"). Patterns use
// two wildcards: "*" as a full segment matches exactly one segment
// ("a:*" matches "a:b" but not "a:b:c"), and a trailing "*" glued to a
// prefix in the last segment matches any suffix, including the empty
// one ("tg:12*" matches "tg:12", "tg:12345", "tg:12:x"). An empty topic
// matches only the empty pattern.
//
// Matching walks both strings segment by segment, O(segments).
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == "" || topic == "" {
		return false
	}

	// Prefix wildcard: last segment is "<prefix>*" with non-empty prefix.
	if strings.HasSuffix(pattern, "*") && !strings.HasSuffix(pattern, ":*") && pattern != "*" {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}

	pSegs := strings.Split(pattern, ":")
	tSegs := strings.Split(topic, ":")
	if len(tSegs) != len(pSegs) {
		return false
	}
	for i, p := range pSegs {
		if p != "*" && p != tSegs[i] {
			return false
		}
	}
	return true
}
