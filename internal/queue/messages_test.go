package queue

import "testing"

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gmail-watch-conn-1", "gmail-watch-conn-1"},
		{"projects/p/subscriptions/s", "projects-p-subscriptions-s"},
		{"a.b c>d", "a-b-c-d"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := subjectToken(tt.in); got != tt.want {
			t.Errorf("subjectToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
