package discovery

import (
	"cmp"
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventHostUpserted reports a host that appeared or changed.
	EventHostUpserted EventType = "host_upserted"
	// EventHostRemoved reports a host missing from the latest scan.
	EventHostRemoved EventType = "host_removed"
)

// EventType identifies a host change.
type EventType string

// Event is one change between two scans.
type Event struct {
	Type EventType
	Host DiscoveredHost
}

// DiscoveredHost is a replica host endpoint seen on the LAN.
type DiscoveredHost struct {
	HostID       string
	InstanceName string
	Version      int
	HostName     string
	Port         int
	Addresses    []string
	LastSeen     time.Time
}

// Address returns host:port for the first advertised address.
func (h DiscoveredHost) Address() string {
	if len(h.Addresses) == 0 {
		return ""
	}
	return net.JoinHostPort(h.Addresses[0], strconv.Itoa(h.Port))
}

// HostScanner remembers the hosts seen by its latest scan and reports what
// changed from one scan to the next.
type HostScanner struct {
	cfg    Config
	browse browseFunc

	mu    sync.Mutex
	hosts map[string]DiscoveredHost
}

// NewHostScanner creates a scanner with config defaults applied.
func NewHostScanner(config Config) (*HostScanner, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}
	return &HostScanner{
		cfg:    cfg,
		browse: browse,
		hosts:  make(map[string]DiscoveredHost),
	}, nil
}

// Scan browses for ScanTimeout and returns the changes since the previous
// scan, upserts first, each group ordered by HostID.
func (s *HostScanner) Scan(ctx context.Context) ([]Event, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	next, err := collect(scanCtx, s.browse, s.cfg)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	previous := s.hosts
	s.hosts = next
	s.mu.Unlock()

	return diffHosts(previous, next), nil
}

// Watch scans immediately and then every RefreshInterval, passing each
// change to onEvent, until ctx ends. It returns nil on cancellation and the
// scan error otherwise.
func (s *HostScanner) Watch(ctx context.Context, onEvent func(Event)) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		events, err := s.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, event := range events {
			onEvent(event)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Hosts returns the hosts seen by the latest scan, ordered by HostID.
func (s *HostScanner) Hosts() []DiscoveredHost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedHosts(s.hosts)
}

// collect browses until ctx ends and returns every usable entry by HostID.
func collect(ctx context.Context, browse browseFunc, cfg Config) (map[string]DiscoveredHost, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseDone := make(chan error, 1)
	go func() { browseDone <- browse(ctx, cfg.Service, cfg.Domain, entries) }()

	found := make(map[string]DiscoveredHost)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				// zeroconf closes the channel once ctx ends.
				entries = nil
				continue
			}
			if host, ok := parseEntry(entry, cfg.HostID); ok {
				host.LastSeen = time.Now()
				found[host.HostID] = host
			}
		case err := <-browseDone:
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return nil, err
			}
			browseDone = nil
		case <-ctx.Done():
			return found, nil
		}
	}
}

func diffHosts(previous, next map[string]DiscoveredHost) []Event {
	var events []Event
	for _, host := range sortedHosts(next) {
		old, seen := previous[host.HostID]
		if !seen || !sameEndpoint(old, host) {
			events = append(events, Event{Type: EventHostUpserted, Host: host})
		}
	}
	for _, host := range sortedHosts(previous) {
		if _, still := next[host.HostID]; !still {
			events = append(events, Event{Type: EventHostRemoved, Host: host})
		}
	}
	return events
}

func sortedHosts(hosts map[string]DiscoveredHost) []DiscoveredHost {
	out := make([]DiscoveredHost, 0, len(hosts))
	for _, host := range hosts {
		out = append(out, host)
	}
	slices.SortFunc(out, func(a, b DiscoveredHost) int { return cmp.Compare(a.HostID, b.HostID) })
	return out
}

// parseEntry turns an mDNS answer into a host. Entries without a host_id
// and the scanner's own host are dropped.
func parseEntry(entry *zeroconf.ServiceEntry, selfHostID string) (DiscoveredHost, bool) {
	if entry == nil {
		return DiscoveredHost{}, false
	}
	txt := txtToMap(entry.Text)

	hostID := txt[txtHostID]
	if hostID == "" || hostID == selfHostID {
		return DiscoveredHost{}, false
	}
	version, _ := strconv.Atoi(txt[txtVersion])

	var addresses []string
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)

	name := cmp.Or(strings.TrimSpace(entry.Instance), strings.TrimSpace(entry.HostName), hostID)
	return DiscoveredHost{
		HostID:       hostID,
		InstanceName: name,
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}

// sameEndpoint ignores LastSeen, which changes on every scan.
func sameEndpoint(a, b DiscoveredHost) bool {
	return a.HostID == b.HostID &&
		a.InstanceName == b.InstanceName &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
