package bridge

import (
	"bytes"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/paralin/xbee-netdev/device/xbee"
)

// proxyARP answers an ARP request for the tunnel's own IPv4 address on
// behalf of the host. It reports whether env was consumed; a consumed
// request is not written to the tunnel.
func (b *Bridge) proxyARP(env *xbee.Envelope) bool {
	tun := b.currentTunnel()
	if tun == nil || b.radio == nil {
		return false
	}
	ip := tun.IPv4().To4()
	if ip == nil {
		return false
	}

	packet := gopacket.NewPacket(env.Payload, layers.LayerTypeEthernet, gopacket.NoCopy)
	arpLayer := packet.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return false
	}
	req, ok := arpLayer.(*layers.ARP)
	if !ok || !isIPv4Request(req) {
		return false
	}
	if !bytes.Equal(req.DstProtAddress, ip) {
		return false
	}

	hw := tun.HardwareAddr()
	if len(hw) != 6 {
		hw = b.radio.Address().LinkAddr()
	}
	reply, err := arpReply(req, hw, ip)
	if err != nil {
		b.log.Warn("building arp reply", "error", err)
		return false
	}

	out := b.envelope(reply)
	out.Dest = env.Source
	out.DestNetwork = env.SourceNetwork
	if err := b.transmit(out); err == nil {
		b.stats.arpReplies.Add(1)
		b.log.Debug("answered arp request",
			"requester", net.IP(req.SourceProtAddress),
			"node", env.Source)
	}
	return true
}

func isIPv4Request(a *layers.ARP) bool {
	return a.Operation == layers.ARPRequest &&
		a.AddrType == layers.LinkTypeEthernet &&
		a.Protocol == layers.EthernetTypeIPv4 &&
		a.HwAddressSize == 6 &&
		a.ProtAddressSize == 4
}

// arpReply serializes the Ethernet frame answering req with hw as the owner
// of ip.
func arpReply(req *layers.ARP, hw net.HardwareAddr, ip net.IP) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       hw,
		DstMAC:       net.HardwareAddr(req.SourceHwAddress),
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   hw,
		SourceProtAddress: ip,
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
