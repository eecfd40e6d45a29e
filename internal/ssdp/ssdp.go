// Package ssdp implements the hook point spec.md §4.7 and §6 require for
// advertising the RTK fan-out endpoint on the LAN: a minimal SSDP
// (Simple Service Discovery Protocol) advertiser that periodically
// announces registered services over the 239.255.255.250:1900 multicast
// group. The protocol itself is kept deliberately small — NOTIFY
// announcements only, no M-SEARCH responder — since the core's
// obligation is the use_service hook, not a complete SSDP stack.
package ssdp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/flockwave-go/mavlink-core/internal/logging"
)

const (
	multicastAddress = "239.255.255.250:1900"
	announceInterval = 30 * time.Second
)

// LocationProvider resolves the advertised location for a service. It
// takes no argument, so every announcement carries the same location;
// the location is not resolved per querying client or per interface.
type LocationProvider func() string

type service struct {
	name     string
	port     int
	location LocationProvider
}

// Advertiser periodically announces registered services over SSDP
// multicast.
type Advertiser struct {
	Logger logging.Logger

	mu       sync.Mutex
	services map[string]*service

	conn *net.UDPConn
}

// NewAdvertiser creates an Advertiser. Call Run to start announcing.
func NewAdvertiser(logger logging.Logger) *Advertiser {
	if logger == nil {
		logger = logging.Default
	}
	return &Advertiser{
		Logger:   logger,
		services: make(map[string]*service),
	}
}

// UseService registers name for periodic advertisement and returns a
// function that withdraws it, matching the collab.SSDPService contract.
func (a *Advertiser) UseService(name string, port int, location func() string) func() {
	a.mu.Lock()
	a.services[name] = &service{name: name, port: port, location: location}
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.services, name)
		a.mu.Unlock()
	}
}

// Run opens a UDP socket, sends a NOTIFY for every registered service to
// the SSDP multicast group every announceInterval, and sends a byebye for
// each on ctx cancellation. It does not join the group, so it never
// receives M-SEARCH queries.
func (a *Advertiser) Run(ctx context.Context) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", multicastAddress)
	if err != nil {
		return fmt.Errorf("ssdp: resolve multicast address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("ssdp: open multicast socket: %w", err)
	}
	defer conn.Close()

	pktConn := ipv4.NewPacketConn(conn)
	_ = pktConn.SetMulticastTTL(4)
	_ = pktConn.SetMulticastLoopback(true)

	a.conn = conn

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	a.announceAll(conn, groupAddr)

	for {
		select {
		case <-ctx.Done():
			a.withdrawAll(conn, groupAddr)
			return nil
		case <-ticker.C:
			a.announceAll(conn, groupAddr)
		}
	}
}

func (a *Advertiser) announceAll(conn *net.UDPConn, group *net.UDPAddr) {
	a.mu.Lock()
	services := make([]*service, 0, len(a.services))
	for _, s := range a.services {
		services = append(services, s)
	}
	a.mu.Unlock()

	for _, s := range services {
		location := s.location()
		if location == "" {
			continue
		}
		notify := buildNotify(s.name, location, "ssdp:alive")
		if _, err := conn.WriteToUDP([]byte(notify), group); err != nil {
			a.Logger.Warn("ssdp: failed to announce service %q: %v", s.name, err)
		}
	}
}

func (a *Advertiser) withdrawAll(conn *net.UDPConn, group *net.UDPAddr) {
	a.mu.Lock()
	services := make([]*service, 0, len(a.services))
	for _, s := range a.services {
		services = append(services, s)
	}
	a.mu.Unlock()

	for _, s := range services {
		location := s.location()
		notify := buildNotify(s.name, location, "ssdp:byebye")
		_, _ = conn.WriteToUDP([]byte(notify), group)
	}
}

func buildNotify(serviceName, location, subtype string) string {
	return fmt.Sprintf(
		"NOTIFY * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"CACHE-CONTROL: max-age=%d\r\n"+
			"LOCATION: %s\r\n"+
			"NT: urn:flockwave-org:service:%s\r\n"+
			"NTS: %s\r\n"+
			"SERVER: mavlink-core/1.0 UPnP/1.1\r\n\r\n",
		multicastAddress,
		int(announceInterval.Seconds())*2,
		location,
		serviceName,
		subtype,
	)
}
