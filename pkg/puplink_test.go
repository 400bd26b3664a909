package puplink_test

import (
	"testing"

	puplink "github.com/getpup/puplink/pkg"
)

func TestVersion(t *testing.T) {
	version := puplink.Version()
	if version == "" {
		t.Error("Version() should return a non-empty string")
	}
}
