// Package dispatch applies the packets received from the peer.
package dispatch

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/protocol"
	"github.com/sidkik/tailsync/pkg/tree"
)

// Previewer serves the requests that don't involve the monitored tree.
type Previewer interface {
	LoadPreview(path string, id int64)
	CompletePath(path string)
}

// Dispatcher routes inbound packets to the tree and the preview handler.
type Dispatcher struct {
	tree    *tree.Tree
	preview Previewer
	log     log.FieldLogger
}

// New returns a Dispatcher that modifies `t`.
func New(t *tree.Tree, preview Previewer, logger log.FieldLogger) *Dispatcher {
	return &Dispatcher{tree: t, preview: preview, log: logger}
}

// Dispatch applies a single packet. Requests that don't make sense for the
// current tree are logged and ignored. The only error is
// errors.ErrUnexpectedPacket, for packets that only the engine sends, which
// means the peer is confused and the session should end.
func (d *Dispatcher) Dispatch(p protocol.Packet) error {
	switch p := p.(type) {
	case protocol.OpenPath:
		if _, ok := d.tree.Open(p.Path); !ok {
			d.log.WithField("path", p.Path).Warn("Already monitoring path")
			return nil
		}
		d.log.WithField("path", p.Path).Info("Monitoring path")
	case protocol.ClosePath:
		if !d.tree.Close(p.Path) {
			d.log.WithField("path", p.Path).Warn("Path is not open")
			return nil
		}
		d.log.WithField("path", p.Path).Info("Stopped monitoring path")
	case protocol.LoadPreview:
		d.preview.LoadPreview(p.Path, p.ID)
	case protocol.CompletePath:
		d.preview.CompletePath(p.Path)
	case protocol.AckBlock:
		n := d.find(p.Path, p.Type())
		if n == nil {
			return nil
		}
		d.log.WithFields(log.Fields{
			"path":      p.Path,
			"offset":    p.Offset,
			"length":    p.Length,
			"knownSize": p.KnownSize,
		}).Debug("Peer acknowledged block")
		n.Ack(p.Offset, p.Length, p.KnownSize)
	case protocol.NeedBlock:
		n := d.find(p.Path, p.Type())
		if n == nil {
			return nil
		}
		d.log.WithField("path", p.Path).Debug("Peer needs block")
		n.Need()
	default:
		return errors.WithContext(errors.ErrUnexpectedPacket, fmt.Sprintf("dispatch %s", p.Type()))
	}
	return nil
}

func (d *Dispatcher) find(path string, t protocol.PacketType) *tree.Node {
	n := d.tree.Find(path)
	if n == nil {
		d.log.WithFields(log.Fields{
			"path": path,
			"type": t,
		}).Warn("Received packet for a path that isn't monitored")
	}
	return n
}
