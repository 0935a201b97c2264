// Package poller walks the path tree and decides what each monitored path
// needs to send to the peer.
//
// A poll pass visits every node depth-first. Globs and directories are
// re-enumerated and their children reconciled, symlinks are reported once,
// and regular files are either offered for verification or tailed depending
// on where their session is. Nothing is retried within a pass: a node that
// can't make progress now is picked up again by the next one.
package poller

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/protocol"
	"github.com/sidkik/tailsync/pkg/tree"
)

const (
	// DefaultProbeSize is the amount of a file hashed for the first offer
	// when the peer doesn't have a copy yet.
	DefaultProbeSize = 32 * 1024

	// DefaultMaxReadSize bounds a single read.
	DefaultMaxReadSize = 4 * 1024 * 1024
)

// Options tune a Poller.
type Options struct {
	ProbeSize   int64
	MaxReadSize int64

	// MaxDepth is how far below a root the poller descends. Roots are at
	// depth zero. Zero means unlimited.
	MaxDepth int

	// Ignore is matched against the base name of glob matches and directory
	// entries. Matching paths are never monitored.
	Ignore []glob.Glob
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ProbeSize:   DefaultProbeSize,
		MaxReadSize: DefaultMaxReadSize,
	}
}

// Poller runs poll passes over a tree.
type Poller struct {
	fs   afero.Fs
	out  protocol.Sender
	log  log.FieldLogger
	opts Options

	readBuf []byte
	hashBuf []byte

	// sent is the number of packets emitted during the current pass.
	sent int

	// active holds the paths on the current recursion stack, so that a link
	// pointing back at one of its ancestors isn't followed forever.
	active map[string]struct{}
}

// New returns a Poller that reads from `fs` and emits packets to `out`.
func New(fs afero.Fs, out protocol.Sender, logger log.FieldLogger, opts Options) *Poller {
	if opts.ProbeSize <= 0 {
		opts.ProbeSize = DefaultProbeSize
	}
	if opts.MaxReadSize <= 0 {
		opts.MaxReadSize = DefaultMaxReadSize
	}
	if opts.ProbeSize > opts.MaxReadSize {
		opts.ProbeSize = opts.MaxReadSize
	}

	return &Poller{
		fs:     fs,
		out:    out,
		log:    logger,
		opts:   opts,
		active: map[string]struct{}{},
	}
}

// Poll runs one pass over the tree. It returns the number of packets
// emitted, which is zero once everything is synced.
func (p *Poller) Poll(t *tree.Tree) int {
	p.sent = 0
	for _, root := range t.Roots() {
		p.poll(root, root, 0)
	}
	return p.sent
}

func (p *Poller) send(pkt protocol.Packet) {
	p.out.Send(pkt)
	p.sent++
}

func (p *Poller) poll(root, n *tree.Node, depth int) {
	p.active[n.Path] = struct{}{}
	defer delete(p.active, n.Path)

	if tree.IsGlob(n.Path) {
		p.pollGlob(root, n, depth)
		return
	}

	fi, err := p.lstat(n.Path)
	if err != nil {
		n.LastStat = nil
		p.fail(n, "lstat", err)
		return
	}

	st := statOf(fi)
	defer func() { n.LastStat = &st }()

	if replaced(n, st) {
		p.log.WithField("path", n.Path).Info("File was replaced. Restarting its session")
		p.send(protocol.Error{Path: n.Path, Message: "replaced"})
		n.SetError()
		return
	}

	var ok bool
	switch mode := fi.Mode(); {
	case mode&os.ModeSymlink != 0:
		ok = p.pollLink(root, n, depth)
	case mode.IsRegular():
		ok = p.pollFile(root, n, fi)
	case mode.IsDir():
		ok = p.pollDir(root, n, depth)
	default:
		p.log.WithFields(log.Fields{
			"path": n.Path,
			"mode": mode,
		}).Debug("Ignoring path that isn't a file, directory or link")
		return
	}

	if ok {
		n.LastPathState = tree.PathOK
	}
}

// replaced returns whether the file at the node's path is no longer the file
// the peer has been receiving.
func replaced(n *tree.Node, st tree.Stat) bool {
	if n.ClientOffset < 0 || n.LastStat == nil {
		return false
	}

	prev := n.LastStat
	return prev.Dev != st.Dev || prev.Ino != st.Ino || st.Size < prev.Size
}

func (p *Poller) pollGlob(root, n *tree.Node, depth int) {
	matches, err := afero.Glob(p.fs, n.Path)
	if err != nil {
		p.fail(n, "glob", err)
		return
	}

	var paths []string
	for _, match := range matches {
		if !p.ignored(filepath.Base(match)) {
			paths = append(paths, match)
		}
	}
	p.reconcile(root, n, paths, depth)
	n.LastPathState = tree.PathOK
}

func (p *Poller) pollDir(root, n *tree.Node, depth int) bool {
	entries, err := afero.ReadDir(p.fs, n.Path)
	if err != nil {
		p.fail(n, "opendir", err)
		return false
	}

	var paths []string
	for _, fi := range entries {
		if !fi.Mode().IsRegular() && fi.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if p.ignored(fi.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(n.Path, fi.Name()))
	}
	p.reconcile(root, n, paths, depth)
	return true
}

// reconcile replaces the children of `n` with `paths` and polls them. A
// parent whose children changed goes back to StateInit, and a stable one is
// reported as synced once.
func (p *Poller) reconcile(root, n *tree.Node, paths []string, depth int) {
	next, added, removed := tree.Reconcile(n.Children, paths)
	n.Children = next

	if added > 0 {
		p.log.WithFields(log.Fields{
			"path":  n.Path,
			"added": added,
		}).Info("Monitoring new child paths")
	}
	for _, child := range removed {
		p.log.WithField("path", child.Path).Info("Child path was deleted")
		p.send(protocol.Error{Path: child.Path, Message: "deleted"})
	}

	p.pollChildren(root, n, depth)

	if added > 0 || len(removed) > 0 {
		n.State = tree.StateInit
	} else if n.SetSynced() {
		p.send(protocol.Synced{RootPath: root.Path, Path: n.Path})
	}
}

func (p *Poller) pollChildren(root, n *tree.Node, depth int) {
	if len(n.Children) == 0 {
		return
	}

	if p.opts.MaxDepth > 0 && depth >= p.opts.MaxDepth {
		p.log.WithField("path", n.Path).Debug("Not descending below maximum depth")
		return
	}

	for _, child := range n.Children {
		if _, ok := p.active[child.Path]; ok {
			p.log.WithField("path", child.Path).Debug("Skipping path that refers back to an ancestor")
			continue
		}
		p.poll(root, child, depth+1)
	}
}

func (p *Poller) pollLink(root, n *tree.Node, depth int) bool {
	ok := true
	switch n.State {
	case tree.StateInit:
		target, err := p.readlink(n.Path)
		if err != nil {
			p.fail(n, "readlink", err)
			ok = false
			break
		}

		p.send(protocol.LinkBlock{RootPath: root.Path, Path: n.Path, Target: target})
		n.State = tree.StateSynced

		if filepath.IsAbs(target) && !hasChild(n, target) {
			p.log.WithFields(log.Fields{
				"path":   n.Path,
				"target": target,
			}).Info("Monitoring link target")
			n.Children = append(n.Children, tree.NewNode(target))
		}
	case tree.StateOffered, tree.StateTailing:
		p.log.WithFields(log.Fields{
			"path":  n.Path,
			"state": n.State,
		}).Error("Unexpected session state for symbolic link")
	}

	p.pollChildren(root, n, depth)
	return ok
}

func hasChild(n *tree.Node, path string) bool {
	for _, child := range n.Children {
		if child.Path == path {
			return true
		}
	}
	return false
}

func (p *Poller) pollFile(root, n *tree.Node, fi os.FileInfo) bool {
	// Waiting for the peer to answer the offer.
	if n.State == tree.StateOffered {
		return true
	}

	if n.ClientOffset >= fi.Size() {
		if n.SetSynced() {
			p.send(protocol.Synced{RootPath: root.Path, Path: n.Path})
		}
		return true
	}

	f, err := p.fs.Open(n.Path)
	if err != nil {
		p.fail(n, "open", err)
		return false
	}
	defer f.Close()

	offset := max(n.ClientOffset, 0)
	buf := p.buffer(&p.readBuf)[:p.readSize(n, offset)]
	nread, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		p.fail(n, "read", err)
		return false
	}
	buf = buf[:nread]
	mtime := fi.ModTime().Unix()

	if n.State == tree.StateInit && (n.ClientOffset < 0 || nread > 0) {
		return p.offer(root, n, f, mtime, offset, buf)
	}

	if n.ClientOffset < 0 {
		n.ClientOffset = 0
	}
	p.send(protocol.TailBlock{
		RootPath: root.Path,
		Path:     n.Path,
		MTime:    mtime,
		Offset:   n.ClientOffset,
		Bits:     append([]byte(nil), buf...),
	})
	n.ClientOffset += int64(nread)
	n.State = tree.StateTailing
	return true
}

// readSize returns how much to read at `offset`. A first contact only probes
// the start of the file, and a peer that already has part of the file gets
// a digest of exactly what it has.
func (p *Poller) readSize(n *tree.Node, offset int64) int64 {
	if n.State != tree.StateInit {
		return p.opts.MaxReadSize
	}

	switch {
	case n.ClientKnownSize == 0:
		return p.opts.ProbeSize
	case offset < n.ClientKnownSize:
		return min(n.ClientKnownSize-offset, p.opts.MaxReadSize)
	default:
		return p.opts.MaxReadSize
	}
}

// offer hashes `head`, which was read at `offset`, together with the rest of
// the bytes the peer says it has, and proposes the digest to the peer. The
// hash never extends past the current end of the file.
func (p *Poller) offer(root, n *tree.Node, f afero.File, mtime, offset int64, head []byte) bool {
	hasher := sha256.New()
	hasher.Write(head)

	length := int64(len(head))
	if remaining := n.ClientKnownSize - offset - length; remaining > 0 {
		rest := io.NewSectionReader(f, offset+length, remaining)
		copied, err := io.CopyBuffer(hasher, rest, p.buffer(&p.hashBuf))
		if err != nil {
			p.fail(n, "read", err)
			return false
		}
		length += copied
	}

	var digest protocol.Hash
	hasher.Sum(digest[:0])

	p.log.WithFields(log.Fields{
		"path":   n.Path,
		"offset": offset,
		"length": length,
	}).Debug("Offering block")
	p.send(protocol.OfferBlock{
		RootPath: root.Path,
		Path:     n.Path,
		MTime:    mtime,
		Offset:   offset,
		Length:   length,
		Hash:     digest,
	})
	n.State = tree.StateOffered
	return true
}

func (p *Poller) buffer(buf *[]byte) []byte {
	if *buf == nil {
		*buf = make([]byte, p.opts.MaxReadSize)
	}
	return *buf
}

func (p *Poller) ignored(name string) bool {
	for _, pattern := range p.opts.Ignore {
		if pattern.Match(name) {
			return true
		}
	}
	return false
}

// fail moves the node into its error state, and tells the peer unless it
// already knows.
func (p *Poller) fail(n *tree.Node, op string, err error) {
	p.log.WithError(err).WithFields(log.Fields{
		"path": n.Path,
		"op":   op,
	}).Debug("Failed to poll path")

	if n.SetError() {
		p.send(protocol.Error{
			Path:    n.Path,
			Message: fmt.Sprintf("unable to %s -- %s", op, errors.Reason(err)),
		})
	}
}

func (p *Poller) lstat(path string) (os.FileInfo, error) {
	if lstater, ok := p.fs.(afero.Lstater); ok {
		fi, _, err := lstater.LstatIfPossible(path)
		return fi, err
	}
	return p.fs.Stat(path)
}

func (p *Poller) readlink(path string) (string, error) {
	reader, ok := p.fs.(afero.LinkReader)
	if !ok {
		return "", errors.New("filesystem doesn't support symbolic links")
	}
	return reader.ReadlinkIfPossible(path)
}

func statOf(fi os.FileInfo) tree.Stat {
	st := tree.Stat{Size: fi.Size(), ModTime: fi.ModTime()}
	st.Dev, st.Ino = fileID(fi)
	return st
}
