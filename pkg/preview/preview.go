// Package preview answers the peer's one-off questions about the filesystem:
// short previews of a path's contents, and completions for a partially typed
// path. Neither touches the monitored tree.
package preview

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/tailsync/pkg/errors"
	"github.com/sidkik/tailsync/pkg/protocol"
	"github.com/sidkik/tailsync/pkg/tree"
)

const (
	// maxLines is the number of lines, matches or entries in a preview.
	maxLines = 10

	// capacity bounds the size of a file preview.
	capacity = 1024 * 1024

	// minLineRoom is the capacity that must be left before another line of a
	// file is read.
	minLineRoom = 1024

	moreMarker = " ... and more! ...\n"
)

// Handler serves preview and completion requests.
type Handler struct {
	fs  afero.Fs
	out protocol.Sender
	log log.FieldLogger
}

// New returns a Handler that reads from `fs` and replies on `out`.
func New(fs afero.Fs, out protocol.Sender, logger log.FieldLogger) *Handler {
	return &Handler{fs: fs, out: out, log: logger}
}

// LoadPreview sends a PREVIEW_DATA or PREVIEW_ERROR answering request `id`.
func (h *Handler) LoadPreview(path string, id int64) {
	h.log.WithFields(log.Fields{
		"path": path,
		"id":   id,
	}).Info("Load preview request")

	bits, msg := h.preview(path)
	if msg != "" {
		h.out.Send(protocol.PreviewError{ID: id, Path: path, Message: msg})
		return
	}
	h.out.Send(protocol.PreviewData{ID: id, Path: path, Bits: bits})
}

// preview returns either the preview contents or an error message for the
// peer.
func (h *Handler) preview(path string) ([]byte, string) {
	if tree.IsGlob(path) {
		matches, err := afero.Glob(h.fs, path)
		if err != nil {
			return nil, fmt.Sprintf("error: cannot glob %s -- %s", path, errors.Reason(err))
		}
		return listing(matches), ""
	}

	fi, err := h.fs.Stat(path)
	if err != nil {
		return nil, fmt.Sprintf("error: cannot open %s -- %s", path, errors.Reason(err))
	}

	switch {
	case fi.Mode().IsRegular():
		return h.previewFile(path)
	case fi.IsDir():
		entries, err := afero.ReadDir(h.fs, path)
		if err != nil {
			h.log.WithError(err).WithField("path", path).Debug("Failed to list directory")
			return nil, fmt.Sprintf("error: unable to open directory -- %s", path)
		}

		var names []string
		for _, entry := range entries {
			if entry.Mode().IsRegular() || entry.IsDir() {
				names = append(names, entry.Name())
			}
		}
		return listing(names), ""
	default:
		return nil, fmt.Sprintf("error: path is not a file or directory -- %s", path)
	}
}

func (h *Handler) previewFile(path string) ([]byte, string) {
	f, err := h.fs.Open(path)
	if err != nil {
		return nil, fmt.Sprintf("error: cannot open %s -- %s", path, errors.Reason(err))
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, capacity))
	var bits []byte
	for lines := 0; lines < maxLines && capacity-len(bits) > minLineRoom; lines++ {
		line, err := r.ReadBytes('\n')
		bits = append(bits, line...)
		if err != nil {
			if err != io.EOF {
				h.log.WithError(err).WithField("path", path).Debug("Preview read stopped early")
			}
			break
		}
	}
	return bits, ""
}

// listing joins up to maxLines names, one per line, and marks the listing as
// truncated if there were more.
func listing(names []string) []byte {
	var sb strings.Builder
	for i, name := range names {
		if i == maxLines {
			sb.WriteString(moreMarker)
			break
		}
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

// CompletePath sends a POSSIBLE_PATH for every path that could complete
// `path`. Directories are suggested with a trailing slash, and the contents of
// directories that match directly are suggested too.
func (h *Handler) CompletePath(path string) {
	pattern := path
	if !strings.HasSuffix(path, "/") && path != "" {
		if fi, err := h.fs.Stat(path); err == nil && fi.IsDir() {
			pattern += "/"
		}
	}
	if !strings.HasSuffix(pattern, "*") {
		pattern += "*"
	}

	h.log.WithFields(log.Fields{
		"path":    path,
		"pattern": pattern,
	}).Debug("Completing path")
	h.sendPossiblePaths(pattern, 0)
}

func (h *Handler) sendPossiblePaths(pattern string, depth int) {
	matches, err := afero.Glob(h.fs, pattern)
	if err != nil {
		h.log.WithError(err).WithField("pattern", pattern).Debug("Failed to expand completion")
		return
	}

	for _, match := range matches {
		isDir := false
		if fi, err := h.fs.Stat(match); err == nil && fi.IsDir() {
			isDir = true
			match += "/"
		}

		h.out.Send(protocol.PossiblePath{Path: match})
		if isDir && depth == 0 {
			h.sendPossiblePaths(match+"*", depth+1)
		}
	}
}
