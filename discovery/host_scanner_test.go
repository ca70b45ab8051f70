package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestScanReportsChangesBetweenScans(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		HostID:      "self-host",
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-host", "Self", 9999, "10.0.0.1", 1)
			entries <- testServiceEntry("host-2", "Carol", 9997, "10.0.0.3", 1)
			if call == 1 {
				entries <- testServiceEntry("host-1", "Bob", 9998, "10.0.0.2", 1)
			} else {
				entries <- testServiceEntry("host-3", "Dave", 9996, "10.0.0.4", 1)
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewHostScanner(cfg)
	if err != nil {
		t.Fatalf("NewHostScanner failed: %v", err)
	}

	events, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("first Scan failed: %v", err)
	}
	assertEvents(t, events, "+host-1", "+host-2")

	events, err = scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	assertEvents(t, events, "+host-3", "-host-1")

	hosts := scanner.Hosts()
	if len(hosts) != 2 || hosts[0].HostID != "host-2" || hosts[1].HostID != "host-3" {
		t.Fatalf("unexpected hosts after second scan: %+v", hosts)
	}
}

func TestScanReportsChangedEndpoint(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		ScanTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			port := 9998
			if atomic.AddInt32(&browseCalls, 1) > 1 {
				port = 10000
			}
			entries <- testServiceEntry("host-1", "Bob", port, "10.0.0.2", 1)
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewHostScanner(cfg)
	if err != nil {
		t.Fatalf("NewHostScanner failed: %v", err)
	}
	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("first Scan failed: %v", err)
	}
	events, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	assertEvents(t, events, "+host-1")
	if events[0].Host.Port != 10000 {
		t.Fatalf("expected updated port, got %d", events[0].Host.Port)
	}
}

func TestWatchStreamsRemovalAndStopsOnCancel(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("host-1", "Bob", 9998, "10.0.0.2", 1)
			}
			entries <- testServiceEntry("host-2", "Carol", 9997, "10.0.0.3", 1)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewHostScanner(cfg)
	if err != nil {
		t.Fatalf("NewHostScanner failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- scanner.Watch(ctx, func(event Event) { events <- event })
	}()

	if !waitForEvent(events, EventHostRemoved, "host-1", 2*time.Second) {
		t.Fatalf("expected host removal event for host-1")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}

func TestWatchReturnsBrowseFailure(t *testing.T) {
	browseErr := errors.New("no multicast interface")
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}

	scanner, err := NewHostScanner(cfg)
	if err != nil {
		t.Fatalf("NewHostScanner failed: %v", err)
	}
	if err := scanner.Watch(context.Background(), func(Event) {}); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestParseEntryDedupesAddresses(t *testing.T) {
	entry := testServiceEntry("host-1", "", 9998, "10.0.0.2", 3)
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"))

	host, ok := parseEntry(entry, "")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if host.Version != 3 || host.InstanceName != ".local" {
		t.Fatalf("unexpected host: %+v", host)
	}
	if len(host.Addresses) != 2 || host.Address() != "10.0.0.1:9998" {
		t.Fatalf("unexpected addresses: %v", host.Addresses)
	}
	if _, ok := parseEntry(nil, ""); ok {
		t.Fatalf("nil entry must be skipped")
	}
}

func testServiceEntry(hostID, instance string, port int, ip string, version int) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"host_id=" + hostID,
			"version=" + strconv.Itoa(version),
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, hostID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Host.HostID == hostID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func assertEvents(t *testing.T, events []Event, want ...string) {
	t.Helper()
	got := make([]string, 0, len(events))
	for _, event := range events {
		sign := "+"
		if event.Type == EventHostRemoved {
			sign = "-"
		}
		got = append(got, sign+event.Host.HostID)
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}
