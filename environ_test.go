package unitmgr

import (
	"reflect"
	"testing"
)

func TestValidEnvAssignment(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"A=1", true},
		{"_A=", true},
		{"PATH=/bin:/usr/bin", true},
		{"MULTI=a\nb\tc", true},
		{"UTF=grüße", true},
		{"A", false},
		{"=1", false},
		{"1A=x", false},
		{"A-B=x", false},
		{"A=\x01", false},
		{"A=\xff", false},
	}
	for _, tt := range tests {
		if got := ValidEnvAssignment(tt.in); got != tt.want {
			t.Errorf("ValidEnvAssignment(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMergeEnvironment(t *testing.T) {
	base := []string{"A=1", "B=2", "C=3"}
	tests := []struct {
		name   string
		remove []string
		add    []string
		want   []string
	}{
		{"add new", nil, []string{"D=4"}, []string{"A=1", "B=2", "C=3", "D=4"}},
		{"replace keeps position", nil, []string{"B=20"}, []string{"A=1", "B=20", "C=3"}},
		{"remove by name", []string{"B"}, nil, []string{"A=1", "C=3"}},
		{"remove exact assignment", []string{"B=2"}, nil, []string{"A=1", "C=3"}},
		{"remove mismatching assignment", []string{"B=9"}, nil, []string{"A=1", "B=2", "C=3"}},
		{"unset then set", []string{"A", "C"}, []string{"A=10"}, []string{"B=2", "A=10"}},
		{"last assignment wins", nil, []string{"E=1", "E=2"}, []string{"A=1", "B=2", "C=3", "E=2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeEnvironment(base, tt.remove, tt.add)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
	if !reflect.DeepEqual(base, []string{"A=1", "B=2", "C=3"}) {
		t.Errorf("base modified: %v", base)
	}
}

func TestEnvironmentRequests(t *testing.T) {
	m, err := New(nil, nil, WithAccessChecker(AllowAll), WithEnvironment([]string{"LANG=C"}), WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	c := Caller{UID: 0}

	if err := m.SetEnvironment(c, []string{"A=1", "B=2"}); err != nil {
		t.Fatal(err)
	}
	if err := m.UnsetAndSetEnvironment(c, []string{"A"}, []string{"C=3"}); err != nil {
		t.Fatal(err)
	}
	if err := m.UnsetEnvironment(c, []string{"LANG=C"}); err != nil {
		t.Fatal(err)
	}
	want := []string{"B=2", "C=3"}
	if got := m.Environment(); !reflect.DeepEqual(got, want) {
		t.Errorf("Environment() = %v, want %v", got, want)
	}

	// an invalid entry rejects the whole request
	err = m.UnsetAndSetEnvironment(c, []string{"B"}, []string{"D=4", "bad entry"})
	if KindOf(err) != ErrInvalidArgument {
		t.Errorf("got %v, want %v", KindOf(err), ErrInvalidArgument)
	}
	err = m.UnsetEnvironment(c, []string{"not valid"})
	if KindOf(err) != ErrInvalidArgument {
		t.Errorf("got %v, want %v", KindOf(err), ErrInvalidArgument)
	}
	if got := m.Environment(); !reflect.DeepEqual(got, want) {
		t.Errorf("Environment() after rejected update = %v, want %v", got, want)
	}
}

func TestNewRejectsInvalidEnvironment(t *testing.T) {
	_, err := New(nil, nil, WithEnvironment([]string{"NOEQUALS"}), WithLogger(discardLogger()))
	if KindOf(err) != ErrInvalidArgument {
		t.Errorf("got %v, want %v", KindOf(err), ErrInvalidArgument)
	}
}
