package decisionlog

import "testing"

func TestClass_Matches(t *testing.T) {
	tests := []struct {
		name  string
		class Class
		line  string
		want  bool
	}{
		{"allow line allowed", ClassAllowed, "santad: decision=ALLOW|path=/bin/ls", true},
		{"deny line allowed", ClassAllowed, "santad: decision=DENY|path=/bin/ls", false},
		{"deny line denied", ClassDenied, "santad: decision=DENY|path=/tmp/evil", true},
		{"allow line denied", ClassDenied, "santad: decision=ALLOW|path=/bin/ls", false},
		{"no decision", ClassAllowed, "santad: action=DISKAPPEAR", false},
		{"lowercase marker", ClassAllowed, "santad: decision=allow", false},
		// Substring match: a deny line whose argv mentions the allow marker is
		// reported in both classes.
		{"marker in args", ClassAllowed, "santad: decision=DENY|args=grep decision=ALLOW", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.class.Matches(tt.line); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestClass_String(t *testing.T) {
	if ClassAllowed.String() != "allowed" {
		t.Errorf("unexpected name %q", ClassAllowed.String())
	}
	if ClassDenied.String() != "denied" {
		t.Errorf("unexpected name %q", ClassDenied.String())
	}
	if Class(7).String() != "unknown" {
		t.Errorf("unexpected name %q", Class(7).String())
	}
}
