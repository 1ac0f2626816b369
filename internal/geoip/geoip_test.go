package geoip

import (
	"net"
	"path/filepath"
	"testing"
)

func TestLookupsEmptyWithoutDatabase(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "missing.mmdb"), "")
	s.Start() // missing file is non-fatal
	defer s.Stop()

	if got := s.LookupIP(net.ParseIP("8.8.8.8")); got != "" {
		t.Fatalf("LookupIP without db = %q, want empty", got)
	}
	if got := s.LocateEndpoint("https://example.test/health"); got != "" {
		t.Fatalf("LocateEndpoint without db = %q, want empty", got)
	}
}

func TestReloadReportsMissingFile(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "missing.mmdb"), "")
	defer s.Stop()
	if err := s.reload(); err == nil {
		t.Fatal("reload of a missing file succeeded")
	}
}

func TestLookupNilIP(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "missing.mmdb"), "")
	defer s.Stop()
	if got := s.LookupIP(nil); got != "" {
		t.Fatalf("LookupIP(nil) = %q", got)
	}
}
