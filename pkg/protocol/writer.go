package protocol

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// Sender is implemented by anything that can deliver packets to the peer.
type Sender interface {
	Send(Packet)
}

// Writer sends packets over a byte stream. Delivery is best-effort: a packet
// that can't be written is logged and dropped. Whatever state it described
// will be re-derived and sent again by a later poll pass.
//
// A Writer isn't safe for concurrent use. The engine sends the ANNOUNCE
// before its goroutines start, and everything else from the loop goroutine.
type Writer struct {
	w    io.Writer
	log  log.FieldLogger
	sent int
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer, logger log.FieldLogger) *Writer {
	return &Writer{w: w, log: logger}
}

// Send writes a single packet with one call to the underlying writer.
func (w *Writer) Send(p Packet) {
	b, err := Encode(p)
	if err != nil {
		w.log.WithError(err).WithField("type", p.Type()).Warn("Failed to encode packet. Dropping it.")
		return
	}

	if _, err := w.w.Write(b); err != nil {
		w.log.WithError(err).WithField("type", p.Type()).Warn("Failed to send packet. Dropping it.")
		return
	}
	w.sent++
}

// Sent returns the number of packets written so far.
func (w *Writer) Sent() int {
	return w.sent
}

// Recorder is a Sender that keeps every packet in memory.
type Recorder struct {
	Packets []Packet
}

// Send appends p to the recorded packets.
func (r *Recorder) Send(p Packet) {
	r.Packets = append(r.Packets, p)
}

// Take returns the recorded packets and forgets them.
func (r *Recorder) Take() []Packet {
	packets := r.Packets
	r.Packets = nil
	return packets
}
