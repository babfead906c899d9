package plan

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/meridianhq/drydock/pkg/types"
)

// Network is the validated, queryable form of a manifest network. Manual
// networks own IP pools; dynamic networks defer addressing to the provider;
// vip networks carry operator-declared external addresses.
type Network struct {
	Name            string
	Type            string
	DNS             []string
	CloudProperties map[string]interface{}
	Subnets         []*Subnet
}

// Subnet is one addressable range of a manual network.
type Subnet struct {
	Prefix          netip.Prefix
	Gateway         netip.Addr
	DNS             []string
	CloudProperties map[string]interface{}
	Static          map[netip.Addr]bool
	Reserved        map[netip.Addr]bool
}

const (
	NetworkManual  = "manual"
	NetworkDynamic = "dynamic"
	NetworkVIP     = "vip"
)

// buildNetwork validates one manifest network. Problems are collected, not
// fatal, so the plan can report them all at once.
func buildNetwork(spec NetworkSpec, report func(format string, args ...interface{})) *Network {
	n := &Network{
		Name:            spec.Name,
		Type:            spec.Type,
		DNS:             spec.DNS,
		CloudProperties: spec.CloudProperties,
	}
	if n.Type == "" {
		n.Type = NetworkManual
	}
	if n.Name == "" {
		report("network with no name")
		return n
	}

	switch n.Type {
	case NetworkManual:
		if len(spec.Subnets) == 0 {
			report("network %s has no subnets", n.Name)
		}
		for _, sub := range spec.Subnets {
			if s := buildSubnet(n.Name, sub, report); s != nil {
				n.Subnets = append(n.Subnets, s)
			}
		}
	case NetworkDynamic, NetworkVIP:
		if len(spec.Subnets) > 0 {
			report("network %s of type %s cannot declare subnets", n.Name, n.Type)
		}
	default:
		report("network %s has unknown type %q", n.Name, spec.Type)
	}
	return n
}

func buildSubnet(network string, spec SubnetSpec, report func(format string, args ...interface{})) *Subnet {
	prefix, err := netip.ParsePrefix(spec.Range)
	if err != nil {
		report("network %s subnet range %q is not a CIDR", network, spec.Range)
		return nil
	}

	s := &Subnet{
		Prefix:          prefix.Masked(),
		DNS:             spec.DNS,
		CloudProperties: spec.CloudProperties,
		Static:          make(map[netip.Addr]bool),
		Reserved:        make(map[netip.Addr]bool),
	}
	if spec.Gateway != "" {
		gw, err := netip.ParseAddr(spec.Gateway)
		if err != nil || !s.Prefix.Contains(gw) {
			report("network %s gateway %q is not in %s", network, spec.Gateway, spec.Range)
		} else {
			s.Gateway = gw
		}
	}

	collect := func(ranges []string, into map[netip.Addr]bool, kind string) {
		for _, r := range ranges {
			addrs, err := parseAddrRange(r)
			if err != nil {
				report("network %s %s range %q: %v", network, kind, r, err)
				continue
			}
			for _, a := range addrs {
				if !s.Prefix.Contains(a) {
					report("network %s %s address %s is not in %s", network, kind, a, spec.Range)
					continue
				}
				into[a] = true
			}
		}
	}
	collect(spec.Static, s.Static, "static")
	collect(spec.Reserved, s.Reserved, "reserved")
	return s
}

// parseAddrRange accepts "10.0.0.5" or "10.0.0.5 - 10.0.0.12".
func parseAddrRange(r string) ([]netip.Addr, error) {
	parts := strings.SplitN(r, "-", 2)
	first, err := netip.ParseAddr(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("bad address %q", parts[0])
	}
	if len(parts) == 1 {
		return []netip.Addr{first}, nil
	}
	last, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("bad address %q", parts[1])
	}
	if last.Less(first) {
		return nil, fmt.Errorf("range %q is inverted", r)
	}

	var addrs []netip.Addr
	for a := first; !last.Less(a); a = a.Next() {
		addrs = append(addrs, a)
		if len(addrs) > 1<<16 {
			return nil, fmt.Errorf("range %q is too large", r)
		}
	}
	return addrs, nil
}

// HasStatic reports whether ip lies in a static range of the network.
func (n *Network) HasStatic(ip netip.Addr) bool {
	for _, s := range n.Subnets {
		if s.Static[ip] {
			return true
		}
	}
	return false
}

// Contains reports whether ip is usable on the network: inside a subnet,
// not reserved, not the gateway and not the network or broadcast address.
func (n *Network) Contains(ip netip.Addr) bool {
	for _, s := range n.Subnets {
		if s.usable(ip) {
			return true
		}
	}
	return false
}

func (s *Subnet) usable(ip netip.Addr) bool {
	if !s.Prefix.Contains(ip) || s.Reserved[ip] {
		return false
	}
	if s.Gateway.IsValid() && ip == s.Gateway {
		return false
	}
	if ip == s.Prefix.Addr() || ip == broadcast(s.Prefix) {
		return false
	}
	return true
}

func broadcast(p netip.Prefix) netip.Addr {
	if !p.Addr().Is4() {
		return netip.Addr{}
	}
	a := p.Addr().As4()
	bits := p.Bits()
	for i := bits; i < 32; i++ {
		a[i/8] |= 1 << (7 - i%8)
	}
	return netip.AddrFrom4(a)
}

// AllocateDynamic hands out the lowest usable non-static address not in
// used. The single-threaded binding pass serializes allocation, so no
// locking is needed here.
func (n *Network) AllocateDynamic(used map[string]bool) (netip.Addr, error) {
	for _, s := range n.Subnets {
		for ip := s.Prefix.Addr().Next(); s.Prefix.Contains(ip); ip = ip.Next() {
			if !s.usable(ip) || s.Static[ip] || used[ip.String()] {
				continue
			}
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("network %s has no free addresses", n.Name)
}

// SpecFor builds the apply-spec network entry for an instance holding ip.
// Dynamic and vip networks have no director-side addressing beyond the ip.
func (n *Network) SpecFor(ip string) types.NetworkSpec {
	spec := types.NetworkSpec{
		Type:            n.Type,
		IP:              ip,
		DNS:             n.DNS,
		CloudProperties: n.CloudProperties,
	}
	if n.Type != NetworkManual || ip == "" {
		return spec
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return spec
	}
	for _, s := range n.Subnets {
		if !s.Prefix.Contains(addr) {
			continue
		}
		mask := net.CIDRMask(s.Prefix.Bits(), 32)
		spec.Netmask = net.IP(mask).String()
		if s.Gateway.IsValid() {
			spec.Gateway = s.Gateway.String()
		}
		if len(s.DNS) > 0 {
			spec.DNS = s.DNS
		}
		if s.CloudProperties != nil {
			spec.CloudProperties = s.CloudProperties
		}
		break
	}
	return spec
}
