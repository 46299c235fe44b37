package sources

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseGrepableLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		ok   bool
		want Candidate
	}{
		{
			name: "single port",
			line: "Host: 203.0.113.9 ()\tPorts: 11434/open/tcp//unknown//",
			ok:   true,
			want: Candidate{IP: "203.0.113.9", PrimaryPort: 11434, Origin: "masscan"},
		},
		{
			name: "multiple ports",
			line: "Host: 198.51.100.3 ()\tPorts: 8080/open/tcp//http//, 11434/open/tcp//unknown//",
			ok:   true,
			want: Candidate{IP: "198.51.100.3", PrimaryPort: 8080, AdditionalPorts: []int{11434}, Origin: "masscan"},
		},
		{
			name: "comment",
			line: "# Masscan 1.0.5 scan initiated Tue Aug 26 10:00:00 2026",
		},
		{
			name: "closed port filtered",
			line: "Host: 203.0.113.9 ()\tPorts: 11434/closed/tcp//unknown//",
		},
		{
			name: "bad address",
			line: "Host: not-an-ip ()\tPorts: 11434/open/tcp//unknown//",
		},
		{
			name: "blank",
			line: "   ",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseGrepableLine(tc.line)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if got.IP != tc.want.IP || got.PrimaryPort != tc.want.PrimaryPort {
				t.Errorf("got %s:%d, want %s:%d", got.IP, got.PrimaryPort, tc.want.IP, tc.want.PrimaryPort)
			}
			if !reflect.DeepEqual(got.AdditionalPorts, tc.want.AdditionalPorts) {
				t.Errorf("additional ports = %v, want %v", got.AdditionalPorts, tc.want.AdditionalPorts)
			}
			if got.Promising {
				t.Error("masscan candidates must not be promising")
			}
			if got.Origin != "masscan" {
				t.Errorf("origin = %q", got.Origin)
			}
		})
	}
}

func TestMasscanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.gnmap")
	content := "# Masscan 1.0.5 scan initiated\n" +
		"Host: 203.0.113.9 ()\tPorts: 11434/open/tcp//unknown//\n" +
		"Host: 203.0.113.10 ()\tPorts: 8000/open/tcp//http//, 8001/open/tcp//http//\n" +
		"# End of scan\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got := collect(t, &MasscanSource{Path: path})
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].IP != "203.0.113.9" || got[0].PrimaryPort != 11434 {
		t.Errorf("first candidate = %+v", got[0])
	}
	if got[1].IP != "203.0.113.10" || got[1].PrimaryPort != 8000 {
		t.Errorf("second candidate = %+v", got[1])
	}
	if !reflect.DeepEqual(got[1].AdditionalPorts, []int{8001}) {
		t.Errorf("additional ports = %v", got[1].AdditionalPorts)
	}
}

func TestMasscanTrailingPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.gnmap")
	content := "Host: 203.0.113.9 ()\tPorts: 11434/open/tcp//unknown//\n" +
		"Host: 203.0.113.10 ()\tPorts: 8000/open/tcp//http//"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got := collect(t, &MasscanSource{Path: path})
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2 (trailing line without newline)", len(got))
	}
	if got[1].IP != "203.0.113.10" {
		t.Errorf("trailing candidate = %+v", got[1])
	}
}

func TestMasscanMissingFile(t *testing.T) {
	src := &MasscanSource{Path: filepath.Join(t.TempDir(), "absent.gnmap")}
	out := make(chan Candidate, 1)
	if err := src.Discover(context.Background(), out); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMasscanFollowAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.gnmap")
	first := "Host: 203.0.113.9 ()\tPorts: 11434/open/tcp//unknown//\n"
	if err := os.WriteFile(path, []byte(first), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &MasscanSource{Path: path, Follow: true, IdleTimeout: 500 * time.Millisecond}
	out := make(chan Candidate, 16)
	done := make(chan error, 1)
	go func() {
		done <- src.Discover(context.Background(), out)
		close(out)
	}()

	select {
	case c := <-out:
		if c.IP != "203.0.113.9" {
			t.Errorf("first candidate = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial candidate")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("Host: 203.0.113.11 ()\tPorts: 8080/open/tcp//http//\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	select {
	case c := <-out:
		if c.IP != "203.0.113.11" || c.PrimaryPort != 8080 {
			t.Errorf("appended candidate = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for appended candidate")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("discover returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow mode did not stop after idle timeout")
	}
}

func TestMasscanFollowStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.gnmap")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := &MasscanSource{Path: path, Follow: true, IdleTimeout: time.Minute}
	done := make(chan error, 1)
	go func() {
		done <- src.Discover(ctx, make(chan Candidate, 1))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow mode did not stop on cancel")
	}
}
