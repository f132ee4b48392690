package version

import "testing"

func TestString(t *testing.T) {
	if Get() == "" {
		t.Fatal("embedded version is empty")
	}
	if String() != Get() {
		t.Errorf("String() = %q without a commit, want %q", String(), Get())
	}

	Commit = "abc123"
	defer func() { Commit = "" }()
	if want := Get() + " (abc123)"; String() != want {
		t.Errorf("String() = %q, want %q", String(), want)
	}
}
