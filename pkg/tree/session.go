package tree

// State is where a node is in its conversation with the peer.
type State int

const (
	// StateInit means no resume point has been confirmed. The next poll pass
	// offers a digest of the unread bytes.
	StateInit State = iota

	// StateOffered means a digest was sent and the peer hasn't answered yet.
	StateOffered

	// StateTailing means new bytes are streamed as they appear.
	StateTailing

	// StateSynced means the peer has everything there is to send.
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOffered:
		return "offered"
	case StateTailing:
		return "tailing"
	case StateSynced:
		return "synced"
	}
	return "invalid"
}

// Ack applies an ACK_BLOCK from the peer. A zero length accepts the current
// position. Otherwise the peer verified the offered range, so the node resumes
// after it and goes back to StateInit to look at the file again.
func (n *Node) Ack(offset, length, knownSize int64) {
	if length == 0 {
		n.State = StateTailing
		return
	}

	n.ClientOffset = offset + length
	n.ClientKnownSize = knownSize
	n.State = StateInit
}

// Need applies a NEED_BLOCK from the peer, which wants raw data without
// further verification.
func (n *Node) Need() {
	n.State = StateTailing
}

// SetError restarts the node after a filesystem error. It returns false if
// the node was already in an error state, in which case the peer has already
// been told and shouldn't be told again.
func (n *Node) SetError() (notify bool) {
	notify = n.LastPathState != PathError
	n.LastPathState = PathError
	n.ClientOffset = -1
	n.State = StateInit
	n.Children = nil
	return notify
}

// SetSynced marks the node synced. It returns false if it already was.
func (n *Node) SetSynced() bool {
	if n.State == StateSynced {
		return false
	}
	n.State = StateSynced
	return true
}
