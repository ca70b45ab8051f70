package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		HostID:        "host-123",
		InstanceName:  "Office Replica",
		ListeningPort: 9999,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "Office Replica" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "host_id=host-123")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}

	cases := []Config{
		{InstanceName: "x", ListeningPort: 1, registerFn: register},
		{HostID: "h", ListeningPort: 1, registerFn: register},
		{HostID: "h", InstanceName: "x", registerFn: register},
	}
	for i, cfg := range cases {
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestFindHostPicksLowestCompatibleHost(t *testing.T) {
	cfg := Config{
		ScanTimeout: 35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("host-b", "B", 9998, "10.0.0.2", 1)
			entries <- testServiceEntry("host-a", "A", 9997, "10.0.0.3", 2)
			entries <- testServiceEntry("host-c", "C", 9996, "10.0.0.4", 1)
			<-ctx.Done()
			return nil
		},
	}

	host, err := FindHost(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FindHost failed: %v", err)
	}
	if host.HostID != "host-b" {
		t.Fatalf("expected host-b, got %q", host.HostID)
	}
	if host.Address() != "10.0.0.2:9998" {
		t.Fatalf("unexpected address %q", host.Address())
	}
}

func TestFindHostReportsNoHost(t *testing.T) {
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	if _, err := FindHost(context.Background(), cfg); !errors.Is(err, ErrNoHost) {
		t.Fatalf("expected ErrNoHost, got %v", err)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
