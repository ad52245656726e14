package netfilter

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel interface constants from linux/netfilter_ipv4/ip_tables.h and
// linux/netfilter/nf_nat.h. The structures are packed by hand because
// the ipt_replace payload is a variable-length sequence with internal
// offsets that no Go binding covers.
const (
	iptBaseCtl      = 64
	iptSoSetReplace = iptBaseCtl // IPT_SO_SET_REPLACE
	iptSoGetInfo    = iptBaseCtl // IPT_SO_GET_INFO

	natTable = "nat"

	// netfilter inet hooks
	hookPreRouting  = 0
	hookLocalIn     = 1
	hookForward     = 2
	hookLocalOut    = 3
	hookPostRouting = 4
	numHooks        = 5

	nfAccept = 1

	// struct ipt_getinfo
	sizeofGetinfo     = 84
	getinfoValidHooks = 32
	getinfoNumEntries = 76
	getinfoSize       = 80

	// struct ipt_replace (header before the entries array)
	sizeofReplaceHeader = 96
	replaceValidHooks   = 32
	replaceNumEntries   = 36
	replaceSize         = 40
	replaceHookEntry    = 44
	replaceUnderflow    = 64
	replaceNumCounters  = 84
	replaceCounters     = 88

	// struct ipt_entry
	sizeofEntry       = 112
	entryDst          = 4  // ipt_ip.dst
	entryDmsk         = 12 // ipt_ip.dmsk
	entryProto        = 80 // ipt_ip.proto
	entryTargetOffset = 88
	entryNextOffset   = 90

	// struct xt_entry_target header
	sizeofEntryTarget = 32
	targetSize        = 0
	targetName        = 2

	// struct xt_error_target
	sizeofErrorTarget = 64
	errorName         = 32

	// struct nf_nat_ipv4_multi_range_compat
	sizeofNatMultiRange = 20
	rangeSize           = 0
	rangeFlags          = 4
	rangeMinIP          = 8
	rangeMaxIP          = 12
	rangeMinPort        = 16
	rangeMaxPort        = 18

	nfNatRangeMapIPs         = 1 // NF_NAT_RANGE_MAP_IPS
	nfNatRangeProtoSpecified = 2 // NF_NAT_RANGE_PROTO_SPECIFIED

	sizeofXtCounters = 16
)

var (
	localhost = [4]byte{127, 0, 0, 1}
	localNet  = [4]byte{127, 0, 0, 0}
	localMask = [4]byte{255, 0, 0, 0}
)

// Info mirrors the fields of ipt_getinfo needed to build a replacement.
type Info struct {
	ValidHooks uint32
	NumEntries uint32
	Size       uint32
}

// GetNatInfo reads the current layout of the nat table through the
// packet-filter getinfo socket option. fd must be an AF_INET socket
// inside the target network namespace.
func GetNatInfo(fd int) (*Info, error) {
	buf := make([]byte, sizeofGetinfo)
	copy(buf, natTable)
	optlen := uint32(len(buf))
	if _, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), unix.IPPROTO_IP, iptSoGetInfo,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&optlen)), 0); errno != 0 {
		return nil, fmt.Errorf("getsockopt(IPT_SO_GET_INFO, %q): %w", natTable, errno)
	}
	return &Info{
		ValidHooks: nativeUint32(buf[getinfoValidHooks:]),
		NumEntries: nativeUint32(buf[getinfoNumEntries:]),
		Size:       nativeUint32(buf[getinfoSize:]),
	}, nil
}

// InstallNatRedirect replaces the nat table with the minimal ruleset:
// accept traffic to 127.0.0.0/8, DNAT all other TCP and UDP output to
// 127.0.0.1:port, accept everything else. fd must be an AF_INET socket
// inside the target network namespace.
func InstallNatRedirect(fd int, port uint16) error {
	info, err := GetNatInfo(fd)
	if err != nil {
		return err
	}

	// The kernel insists on a place to write out the counters of the
	// entries being replaced, even though we discard them.
	oldCounters := make([]byte, int(info.NumEntries)*sizeofXtCounters+1)
	payload := BuildNatReplace(info, port, uintptr(unsafe.Pointer(&oldCounters[0])))

	if _, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), unix.IPPROTO_IP, iptSoSetReplace,
		uintptr(unsafe.Pointer(&payload[0])), uintptr(len(payload)), 0); errno != 0 {
		return fmt.Errorf("setsockopt(IPT_SO_SET_REPLACE, %q): %w", natTable, errno)
	}
	runtime.KeepAlive(oldCounters)
	return nil
}

// BuildNatReplace assembles the ipt_replace payload. countersPtr is the
// address of the buffer the kernel writes the old entry counters into;
// the caller keeps that buffer alive across the setsockopt.
func BuildNatReplace(info *Info, port uint16, countersPtr uintptr) []byte {
	msg := NewMessage(8)

	replace := msg.Alloc(sizeofReplaceHeader)
	msg.PutString(replace, 0, natTable)
	msg.PutUint32(replace, replaceValidHooks, info.ValidHooks)
	msg.PutUint32(replace, replaceNumCounters, info.NumEntries)
	msg.PutUint64(replace, replaceCounters, uint64(countersPtr))

	entries := msg.End()
	numEntries := uint32(0)

	// Accept any packet destined for 127.0.0.0/8.
	numEntries++
	acceptLocal := msg.Alloc(sizeofEntry)
	msg.PutBytes(acceptLocal, entryDst, localNet[:])
	msg.PutBytes(acceptLocal, entryDmsk, localMask[:])
	addStandardTarget(msg, acceptLocal, -nfAccept-1)

	// DNAT all TCP output to the local port.
	numEntries++
	dnatTCP := msg.Alloc(sizeofEntry)
	msg.PutUint16(dnatTCP, entryProto, unix.IPPROTO_TCP)
	addDNATTarget(msg, dnatTCP, port)

	// Same for UDP.
	numEntries++
	dnatUDP := msg.Alloc(sizeofEntry)
	msg.PutUint16(dnatUDP, entryProto, unix.IPPROTO_UDP)
	addDNATTarget(msg, dnatUDP, port)

	// Accept everything.
	numEntries++
	acceptAll := msg.Alloc(sizeofEntry)
	addStandardTarget(msg, acceptAll, -nfAccept-1)

	// Cap it off with an error entry.
	numEntries++
	errEntry := msg.Alloc(sizeofEntry)
	errTarget := msg.Alloc(sizeofErrorTarget)
	msg.PutUint16(errTarget, targetSize, uint16(OffsetBetween(errTarget, msg.End())))
	msg.PutString(errTarget, targetName, "ERROR")
	msg.PutString(errTarget, errorName, "ERROR")
	msg.PutUint16(errEntry, entryTargetOffset, uint16(OffsetBetween(errEntry, errTarget)))
	msg.PutUint16(errEntry, entryNextOffset, uint16(OffsetBetween(errEntry, msg.End())))

	// LOCAL_OUT traffic enters at the accept-local rule; every other
	// hook, and every underflow, is plain accept.
	for hook := 0; hook < numHooks; hook++ {
		entry := acceptAll
		if hook == hookLocalOut {
			entry = acceptLocal
		}
		msg.PutUint32(replace, replaceHookEntry+4*hook, OffsetBetween(entries, entry))
		msg.PutUint32(replace, replaceUnderflow+4*hook, OffsetBetween(entries, acceptAll))
	}

	msg.PutUint32(replace, replaceNumEntries, numEntries)
	msg.PutUint32(replace, replaceSize, OffsetBetween(entries, msg.End()))

	return msg.Bytes()
}

// addStandardTarget appends an xt_standard_target with the given verdict
// and back-fills the entry's offsets.
func addStandardTarget(msg *Message, entry Ref, verdict int32) {
	target := msg.Alloc(sizeofEntryTarget)
	v := msg.Alloc(4) // verdict, padded to the target alignment
	msg.PutUint32(v, 0, uint32(verdict))
	msg.PutUint16(target, targetSize, uint16(OffsetBetween(target, msg.End())))
	msg.PutUint16(entry, entryTargetOffset, uint16(OffsetBetween(entry, target)))
	msg.PutUint16(entry, entryNextOffset, uint16(OffsetBetween(entry, msg.End())))
}

// addDNATTarget appends a DNAT target rewriting to 127.0.0.1:port.
func addDNATTarget(msg *Message, entry Ref, port uint16) {
	target := msg.Alloc(sizeofEntryTarget)
	rng := msg.Alloc(sizeofNatMultiRange)
	msg.PutUint32(rng, rangeSize, 1)
	msg.PutUint32(rng, rangeFlags, nfNatRangeMapIPs|nfNatRangeProtoSpecified)
	msg.PutBytes(rng, rangeMinIP, localhost[:])
	msg.PutBytes(rng, rangeMaxIP, localhost[:])
	// ports travel in network byte order
	msg.PutBytes(rng, rangeMinPort, []byte{byte(port >> 8), byte(port)})
	msg.PutBytes(rng, rangeMaxPort, []byte{byte(port >> 8), byte(port)})
	msg.PutUint16(target, targetSize, uint16(OffsetBetween(target, msg.End())))
	msg.PutString(target, targetName, "DNAT")
	msg.PutUint16(entry, entryTargetOffset, uint16(OffsetBetween(entry, target)))
	msg.PutUint16(entry, entryNextOffset, uint16(OffsetBetween(entry, msg.End())))
}

func nativeUint32(b []byte) uint32 {
	return binary.NativeEndian.Uint32(b)
}
