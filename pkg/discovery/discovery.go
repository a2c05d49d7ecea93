package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/swarm-stream/pkg/logger"
)

const (
	// ServiceType is the mDNS service type under which nodes advertise their gossip port
	ServiceType = "_swarm-stream._udp"
	// Domain is the local domain for mDNS
	Domain = "local."

	// MetaPeerID carries the advertising node's gossip peer id
	MetaPeerID = "peer"
	// MetaChunkPort carries the advertising node's chunk server port
	MetaChunkPort = "chunk"
)

// ServiceInfo is one swarm node seen on the LAN.
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Addrs returns "ip:port" for every IPv4 address of the service.
func (s *ServiceInfo) Addrs() []string {
	out := make([]string, 0, len(s.IPs))
	for _, ip := range s.IPs {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(s.Port)))
	}
	return out
}

// Advertiser publishes this node's gossip port over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver finds other swarm nodes over mDNS.
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start registers the gossip port with meta as TXT records (key=value).
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	// If no instance name provided, use hostname
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "swarm-stream"
		} else {
			instanceName = fmt.Sprintf("swarm-stream-%s", hostname)
		}
	}

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	// nil interfaces: advertise on all of them
	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		txtRecords,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	logger.Sugar.Infof("[Discovery] advertising %s as %s on port %d", ServiceType, instanceName, port)
	return nil
}

func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse streams swarm nodes until ctx is done, then closes the channel.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := toServiceInfo(entry)
				if len(info.IPs) == 0 {
					continue
				}
				logger.Sugar.Infof("[Discovery] discovered service: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

func toServiceInfo(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          make([]string, 0, len(entry.AddrIPv4)),
		Meta:         make(map[string]string),
	}
	// gossip is IPv4 only
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			info.Meta[parts[0]] = parts[1]
		}
	}
	return info
}
