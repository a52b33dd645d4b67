package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldSHA, oldT := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldT }()

	Version, GitSHA, BuildTime = "1.2.3", "abc123", "2024-05-01"
	if got, want := String(), "1.2.3 (abc123, built 2024-05-01)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
