// Package discovery advertises replica hosts on the local network and finds
// them for clients that have no store address configured.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_pairchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background host discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120

	txtHostID  = "host_id"
	txtVersion = "version"
)

// ErrNoHost is returned when a scan finds no compatible host.
var ErrNoHost = errors.New("discovery: no compatible host found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	// HostID and InstanceName identify the advertising host. A scanner
	// skips entries carrying its own HostID.
	HostID        string
	InstanceName  string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.HostID) == "" {
		return errors.New("host ID is required")
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Broadcaster advertises a replica host via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtHostID + "=" + cfg.HostID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// FindHost browses once and returns the compatible host with the lowest
// HostID, so repeated lookups on a stable network agree.
func FindHost(ctx context.Context, config Config) (DiscoveredHost, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return DiscoveredHost{}, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	found, err := collect(scanCtx, browse, cfg)
	if err != nil {
		return DiscoveredHost{}, err
	}

	hosts := sortedHosts(found)
	for _, host := range hosts {
		if host.Version == cfg.Version && len(host.Addresses) > 0 {
			return host, nil
		}
	}
	return DiscoveredHost{}, ErrNoHost
}
