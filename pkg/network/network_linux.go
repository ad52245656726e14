// Package network configures the sandbox network namespace: loopback, a
// dummy interface with a default route, and nat rules that redirect all
// outbound IPv4 traffic to the local gateway port.
package network

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/sandstorm-dev/grain-supervisor/pkg/netfilter"
)

// GatewayPort is the local port all redirected app traffic arrives at. A
// gateway outside the supervisor proxies it according to policy.
const GatewayPort = 23136

const (
	dummyName    = "dummy0"
	dummyAddr    = "192.168.250.2/24"
	loopbackAddr = "127.0.0.1/8"
)

// Any address in 192.168.250.0/24 would work as the gateway; the dummy
// interface is never truly transited. Its only job is to convince the
// kernel that external packets have a legal exit, so they reach the nat
// OUTPUT hook.
var gatewayIP = net.IPv4(192, 168, 250, 1)

// IsIPTablesLoaded reports whether the ip_tables kernel module is
// available. Must be called before entering the sandbox since it
// requires the host /proc.
func IsIPTablesLoaded() bool {
	f, err := os.Open("/proc/modules")
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "ip_tables ") {
			return true
		}
	}
	return false
}

// Setup configures the freshly unshared network namespace. When
// ipTablesAvailable is false only loopback comes up; the app still
// starts, and its outbound connects fail in its own stack.
func Setup(ipTablesAvailable bool, logger *slog.Logger) error {
	if err := setupLoopback(); err != nil {
		return err
	}
	if !ipTablesAvailable {
		logger.Warn("ip_tables kernel module not loaded; cannot set up transparent network forwarding.")
		return nil
	}
	if err := setupDummy(); err != nil {
		return err
	}
	return installRedirect()
}

// setupLoopback brings up lo with 127.0.0.1.
func setupLoopback() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("lookup lo: %w", err)
	}
	addr, err := netlink.ParseAddr(loopbackAddr)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(lo, addr); err != nil {
		return fmt.Errorf("addr add lo: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("link up lo: %w", err)
	}
	return nil
}

// setupDummy creates dummy0, assigns it 192.168.250.2/24 and installs
// the default route through the fake gateway.
func setupDummy() error {
	link := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: dummyName}}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("link add %s: %w", dummyName, err)
	}
	addr, err := netlink.ParseAddr(dummyAddr)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("addr add %s: %w", dummyName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up %s: %w", dummyName, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Scope:     netlink.SCOPE_UNIVERSE,
		Gw:        gatewayIP,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("route add default via %s: %w", gatewayIP, err)
	}
	return nil
}

// installRedirect rewrites the nat table so all non-loopback TCP and UDP
// output lands on 127.0.0.1:GatewayPort.
func installRedirect() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_IP)
	if err != nil {
		return fmt.Errorf("open packet-filter control socket: %w", err)
	}
	defer unix.Close(fd)
	return netfilter.InstallNatRedirect(fd, GatewayPort)
}
