package chipsim

import (
	"bytes"

	"github.com/soypat/cyw43/whd"
)

// HCI packet indicators.
const (
	hciCommand = 0x01
	hciEvent   = 0x04
)

// btCore models the bluetooth controller's side of the shared rings at
// RingBase. HCI commands are answered with a Command Complete event.
type btCore struct {
	intStatus uint32
	h2bRead   uint32
	b2hWrite  uint32
	rx        [][]byte // Packets received from the host, type byte first.
	noReply   bool
}

// serviceHost consumes every packet the host published to the host to
// controller ring.
func (bt *btCore) serviceHost(c *Chip) {
	ring := RingBase + whd.BTSDIO_OFFSET_HOST_WRITE_BUF
	in := c.mem32(RingBase+whd.BTSDIO_OFFSET_HOST2BT_IN) % whd.BTSDIO_FWBUF_SIZE
	for bt.h2bRead != in {
		var hdr [4]byte
		c.memRead(ring+bt.h2bRead, hdr[:])
		n := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16
		bt.h2bRead = (bt.h2bRead + 4) % whd.BTSDIO_FWBUF_SIZE
		rounded := (n + 3) &^ 3
		pkt := make([]byte, 1+rounded)
		pkt[0] = hdr[3]
		ringRead(c, ring, bt.h2bRead, pkt[1:])
		bt.h2bRead = (bt.h2bRead + rounded) % whd.BTSDIO_FWBUF_SIZE
		pkt = pkt[:1+n]
		bt.rx = append(bt.rx, pkt)
		if pkt[0] == hciCommand && len(pkt) >= 3 && !bt.noReply {
			bt.send(c, []byte{hciEvent, 0x0e, 4, 1, pkt[1], pkt[2], 0})
		}
	}
	c.setMem32(RingBase+whd.BTSDIO_OFFSET_HOST2BT_OUT, bt.h2bRead)
}

// send publishes pkt to the controller to host ring and flags it in the
// SDIO interrupt status.
func (bt *btCore) send(c *Chip, pkt []byte) {
	ring := RingBase + whd.BTSDIO_OFFSET_HOST_READ_BUF
	n := uint32(len(pkt) - 1)
	rounded := (n + 3) &^ 3
	buf := make([]byte, 4+rounded)
	buf[0], buf[1], buf[2], buf[3] = byte(n), byte(n>>8), byte(n>>16), pkt[0]
	copy(buf[4:], pkt[1:])
	ringWrite(c, ring, bt.b2hWrite, buf[:4])
	bt.b2hWrite = (bt.b2hWrite + 4) % whd.BTSDIO_FWBUF_SIZE
	ringWrite(c, ring, bt.b2hWrite, buf[4:])
	bt.b2hWrite = (bt.b2hWrite + rounded) % whd.BTSDIO_FWBUF_SIZE
	c.setMem32(RingBase+whd.BTSDIO_OFFSET_BT2HOST_IN, bt.b2hWrite)
	bt.intStatus |= whd.I_HMB_FC_CHANGE
}

func ringRead(c *Chip, ring, off uint32, dst []byte) {
	split := min(uint32(len(dst)), whd.BTSDIO_FWBUF_SIZE-off)
	c.memRead(ring+off, dst[:split])
	c.memRead(ring, dst[split:])
}

func ringWrite(c *Chip, ring, off uint32, src []byte) {
	split := min(uint32(len(src)), whd.BTSDIO_FWBUF_SIZE-off)
	c.memWrite(ring+off, src[:split])
	c.memWrite(ring, src[split:])
}

// InjectHCI sends an HCI packet, type byte first, from the controller.
func (c *Chip) InjectHCI(pkt []byte) {
	c.mu.Lock()
	c.bt.send(c, pkt)
	c.mu.Unlock()
	if c.OnIRQ != nil {
		c.OnIRQ()
	}
}

// HCIReceived returns the HCI packets the host sent to the controller.
func (c *Chip) HCIReceived() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.bt.rx))
	for i, p := range c.bt.rx {
		out[i] = bytes.Clone(p)
	}
	return out
}

// SetHCIAutoReply controls whether HCI commands are answered with a
// Command Complete event. On by default.
func (c *Chip) SetHCIAutoReply(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bt.noReply = !on
}

// BluetoothUp reports whether the host powered the bluetooth core.
func (c *Chip) BluetoothUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.btUp
}
