// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery advertises and finds power stream servers via mDNS.
//
// A server registers itself under the service type "_plugpower._tcp" with
// TXT records describing the stream:
//   - path: HTTP path of the websocket endpoint
//   - format: wire format of the messages (reading or legacy)
//   - device: id of the plug being polled
//
// Clients such as the listen and measure commands browse for the service
// when no URL is given and connect to the first server that answers.
//
// # Example Usage
//
//	scanner := discovery.NewScanner(discovery.DefaultServiceType, "local.")
//
//	svc, err := scanner.First(ctx, 5*time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(svc.URL())
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/soothill/plug-power-stream/pkg/errors"
	"github.com/soothill/plug-power-stream/pkg/logger"
)

// DefaultServiceType is the DNS-SD service type of a power stream server.
const DefaultServiceType = "_plugpower._tcp"

// TXT record keys
const (
	txtPath   = "path"
	txtFormat = "format"
	txtDevice = "device"
)

// Service represents a discovered power stream server
type Service struct {
	Instance  string
	Address   net.IP
	Port      int
	TXTRecord map[string]string
	Hostname  string
}

// Path returns the websocket path, "/" when not advertised.
func (s *Service) Path() string {
	if p := s.TXTRecord[txtPath]; p != "" {
		if !strings.HasPrefix(p, "/") {
			return "/" + p
		}
		return p
	}
	return "/"
}

// Format returns the advertised wire format, if any.
func (s *Service) Format() string {
	return s.TXTRecord[txtFormat]
}

// DeviceID returns the id of the plug this server polls, falling back to
// the instance name.
func (s *Service) DeviceID() string {
	if id := s.TXTRecord[txtDevice]; id != "" {
		return id
	}
	return s.Instance
}

// URL returns the websocket URL of the service.
func (s *Service) URL() string {
	host := net.JoinHostPort(s.Address.String(), strconv.Itoa(s.Port))
	return "ws://" + host + s.Path()
}

// Scanner browses for power stream servers.
type Scanner struct {
	serviceType string
	domain      string
	services    map[string]*Service
	mu          sync.RWMutex
}

// NewScanner creates a new scanner
func NewScanner(serviceType, domain string) *Scanner {
	return &Scanner{
		serviceType: serviceType,
		domain:      domain,
		services:    make(map[string]*Service),
	}
}

// Discover browses for timeout and returns every server that answered.
//
// The resolver closes entries when the browse context ends; the consumer
// goroutine drains it so the resolver never blocks on a slow parse.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*Service, error) {
	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.browse(discoverCtx, nil)
}

// First returns the first server that answers within timeout.
func (s *Scanner) First(ctx context.Context, timeout time.Duration) (*Service, error) {
	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found, err := s.browse(discoverCtx, cancel)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errors.NewNetworkError("mdns browse", s.serviceType, fmt.Errorf("no server found within %s", timeout))
	}
	return found[0], nil
}

// browse collects entries until ctx ends; stop, when set, is called after
// the first entry.
func (s *Scanner) browse(ctx context.Context, stop context.CancelFunc) ([]*Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.NewNetworkError("mdns resolver", s.serviceType, err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 10)
	found := make([]*Service, 0)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			svc := parseServiceEntry(entry)
			if svc == nil {
				continue
			}
			s.mu.Lock()
			s.services[svc.Instance] = svc
			s.mu.Unlock()
			found = append(found, svc)

			logger.Info().
				Str("instance", svc.Instance).
				Str("url", svc.URL()).
				Str("device_id", svc.DeviceID()).
				Msg("Discovered power stream server")

			if stop != nil {
				stop()
			}
		}
	}()

	if err := resolver.Browse(ctx, s.serviceType, s.domain, entries); err != nil {
		return nil, errors.NewNetworkError("mdns browse", s.serviceType, err)
	}

	<-ctx.Done()
	wg.Wait()
	return found, nil
}

// parseServiceEntry converts a zeroconf service entry to a Service
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Service {
	if entry == nil {
		return nil
	}
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return nil
	}

	// Prefer IPv4, fallback to IPv6
	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else {
		addr = entry.AddrIPv6[0]
	}

	return &Service{
		Instance:  entry.Instance,
		Address:   addr,
		Port:      entry.Port,
		TXTRecord: parseTXT(entry.Text),
		Hostname:  entry.HostName,
	}
}

func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		parts := strings.SplitN(r, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		}
	}
	return txt
}

// GetServices returns every server seen by this scanner
func (s *Scanner) GetServices() []*Service {
	s.mu.RLock()
	defer s.mu.RUnlock()

	services := make([]*Service, 0, len(s.services))
	for _, svc := range s.services {
		services = append(services, svc)
	}
	return services
}
