package bus

import "testing"

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		// exact
		{"tg:12345", "tg:12345", true},
		{"tg:12345", "tg:99999", false},
		{"", "", true},
		{"", "tg:1", false},
		{"tg:1", "", false},

		// segment wildcard matches exactly one segment
		{"a:*", "a:b", true},
		{"a:*", "a:b:c", false},
		{"a:*", "a", false},
		{"*", "anything", true},
		{"*", "a:b", false},
		{"a:*:c", "a:b:c", true},
		{"a:*:c", "a:b:d", false},
		{"inbound:*", "inbound:42", true},
		{"outbound:*", "inbound:42", false},

		// trailing prefix wildcard matches any suffix
		{"tg:12*", "tg:12", true},
		{"tg:12*", "tg:12345", true},
		{"tg:12*", "tg:12:x", true},
		{"tg:12*", "tg:99", false},
		{"system:spawn:*", "system:spawn:alice", true},
		{"system:*", "system:disconnect", true},
		{"system:*", "system:spawn:alice", false},
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}
