package dbrew_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/benbjohnson/dbrew"
)

func TestDisassemble(t *testing.T) {
	var buf bytes.Buffer
	if err := dbrew.Disassemble(&buf, Add, Base); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if got, exp := len(lines), 2; got != exp {
		t.Fatalf("unexpected line count: %d", got)
	} else if !strings.HasPrefix(strings.TrimSpace(lines[0]), "1000:") {
		t.Fatalf("unexpected address: %q", lines[0])
	} else if !strings.Contains(lines[0], "8d 04 37") || !strings.Contains(lines[0], "lea") {
		t.Fatalf("unexpected line: %q", lines[0])
	} else if !strings.HasPrefix(strings.TrimSpace(lines[1]), "1003:") || !strings.Contains(lines[1], "ret") {
		t.Fatalf("unexpected line: %q", lines[1])
	}
}
