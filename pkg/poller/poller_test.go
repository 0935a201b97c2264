package poller

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/gobwas/glob"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/tailsync/pkg/protocol"
	"github.com/sidkik/tailsync/pkg/tree"
)

type testEnv struct {
	t      *testing.T
	dir    string
	tree   *tree.Tree
	out    *protocol.Recorder
	poller *Poller
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	logger, _ := logrusTest.NewNullLogger()
	out := &protocol.Recorder{}
	return &testEnv{
		t:      t,
		dir:    t.TempDir(),
		tree:   tree.New(),
		out:    out,
		poller: New(afero.NewOsFs(), out, logger, opts),
	}
}

func (env *testEnv) path(name string) string {
	return filepath.Join(env.dir, name)
}

func (env *testEnv) write(name string, contents []byte) string {
	path := env.path(name)
	require.NoError(env.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(env.t, os.WriteFile(path, contents, 0644))
	return path
}

func (env *testEnv) appendTo(name string, contents []byte) {
	f, err := os.OpenFile(env.path(name), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(env.t, err)
	_, err = f.Write(contents)
	require.NoError(env.t, err)
	require.NoError(env.t, f.Close())
}

func (env *testEnv) open(path string) *tree.Node {
	n, ok := env.tree.Open(path)
	require.True(env.t, ok)
	return n
}

// poll runs a pass and returns what it sent.
func (env *testEnv) poll() []protocol.Packet {
	work := env.poller.Poll(env.tree)
	packets := env.out.Take()
	assert.Equal(env.t, len(packets), work)
	return packets
}

func (env *testEnv) mtime(path string) int64 {
	fi, err := os.Stat(path)
	require.NoError(env.t, err)
	return fi.ModTime().Unix()
}

func content(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestOfferEmptyFile(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	path := env.write("empty.log", nil)
	n := env.open(path)

	assert.Equal(t, []protocol.Packet{
		protocol.OfferBlock{
			RootPath: path,
			Path:     path,
			MTime:    env.mtime(path),
			Offset:   0,
			Length:   0,
			Hash:     sha256.Sum256(nil),
		},
	}, env.poll())
	assert.Equal(t, tree.StateOffered, n.State)
	assert.Equal(t, tree.PathOK, n.LastPathState)

	// Nothing happens until the peer answers.
	assert.Empty(t, env.poll())

	n.Ack(0, 0, 0)
	packets := env.poll()
	require.Len(t, packets, 1)
	tail, ok := packets[0].(protocol.TailBlock)
	require.True(t, ok)
	assert.Equal(t, int64(0), tail.Offset)
	assert.Empty(t, tail.Bits)

	assert.Equal(t, []protocol.Packet{protocol.Synced{RootPath: path, Path: path}}, env.poll())
	assert.Empty(t, env.poll())
}

func TestTailAppendedBytes(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	initial := []byte("first line\n")
	path := env.write("app.log", initial)
	n := env.open(path)

	packets := env.poll()
	require.Len(t, packets, 1)
	offer := packets[0].(protocol.OfferBlock)
	assert.Equal(t, int64(len(initial)), offer.Length)
	assert.Equal(t, protocol.Hash(sha256.Sum256(initial)), offer.Hash)

	n.Need()
	assert.Equal(t, []protocol.Packet{
		protocol.TailBlock{
			RootPath: path,
			Path:     path,
			MTime:    env.mtime(path),
			Offset:   0,
			Bits:     initial,
		},
	}, env.poll())
	assert.Equal(t, []protocol.Packet{protocol.Synced{RootPath: path, Path: path}}, env.poll())

	appended := content(100)
	env.appendTo("app.log", appended)
	assert.Equal(t, []protocol.Packet{
		protocol.TailBlock{
			RootPath: path,
			Path:     path,
			MTime:    env.mtime(path),
			Offset:   int64(len(initial)),
			Bits:     appended,
		},
	}, env.poll())
	assert.Equal(t, []protocol.Packet{protocol.Synced{RootPath: path, Path: path}}, env.poll())
	assert.Equal(t, int64(len(initial)+100), n.ClientOffset)
}

func TestOffsetIsMonotonicWhileTailing(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxReadSize = 64
	opts.ProbeSize = 16
	env := newTestEnv(t, opts)
	path := env.write("big.log", content(1000))
	n := env.open(path)

	env.poll()
	n.Need()

	prev := n.ClientOffset
	for i := 0; i < 40; i++ {
		if i%7 == 0 {
			env.appendTo("big.log", content(i))
		}
		for _, p := range env.poll() {
			if tail, ok := p.(protocol.TailBlock); ok {
				assert.LessOrEqual(t, int64(len(tail.Bits)), opts.MaxReadSize)
			}
		}
		assert.GreaterOrEqual(t, n.ClientOffset, prev)
		prev = n.ClientOffset
	}

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), n.ClientOffset)
	assert.Equal(t, tree.StateSynced, n.State)
}

func TestOfferCoversKnownSize(t *testing.T) {
	data := content(5000)

	tests := []struct {
		name      string
		knownSize int64
		expOffset int64
		expEnd    int64
	}{
		{
			name:      "Peer has part of the file",
			knownSize: 3000,
			expOffset: 100,
			expEnd:    3000,
		},
		{
			name:      "Peer claims more than the file holds",
			knownSize: 10000,
			expOffset: 100,
			expEnd:    5000,
		},
	}

	for _, test := range tests {
		opts := DefaultOptions()
		opts.ProbeSize = 512
		opts.MaxReadSize = 1024
		env := newTestEnv(t, opts)
		path := env.write("file", data)
		n := env.open(path)

		// The peer verified the first 100 bytes of its copy.
		n.Ack(0, 100, test.knownSize)

		packets := env.poll()
		require.Len(t, packets, 1, test.name)
		offer := packets[0].(protocol.OfferBlock)
		assert.Equal(t, test.expOffset, offer.Offset, test.name)
		assert.Equal(t, test.expEnd-test.expOffset, offer.Length, test.name)
		assert.Equal(t, protocol.Hash(sha256.Sum256(data[test.expOffset:test.expEnd])),
			offer.Hash, test.name)
	}
}

func TestProbeSizeBoundsFirstOffer(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbeSize = 10
	env := newTestEnv(t, opts)
	data := content(100)
	path := env.write("file", data)
	env.open(path)

	offer := env.poll()[0].(protocol.OfferBlock)
	assert.Equal(t, int64(10), offer.Length)
	assert.Equal(t, protocol.Hash(sha256.Sum256(data[:10])), offer.Hash)
}

func TestResumeAfterVerifiedOffer(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	data := content(64)
	path := env.write("file", data)
	n := env.open(path)

	env.poll()
	n.Ack(0, 40, 40)

	// The resume point is offered again before anything is tailed.
	offer := env.poll()[0].(protocol.OfferBlock)
	assert.Equal(t, int64(40), offer.Offset)
	assert.Equal(t, int64(24), offer.Length)
	assert.Equal(t, protocol.Hash(sha256.Sum256(data[40:])), offer.Hash)

	n.Need()
	tail := env.poll()[0].(protocol.TailBlock)
	assert.Equal(t, int64(40), tail.Offset)
	assert.Equal(t, data[40:], tail.Bits)
}

func TestReplacedFile(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	path := env.write("app.log", []byte("old contents\n"))
	n := env.open(path)

	env.poll()
	n.Need()
	env.poll()
	env.poll()
	require.Equal(t, tree.StateSynced, n.State)

	// Create the new file before renaming it over the old one so that the
	// two can't share an inode.
	fresh := env.write("app.log.new", []byte("new\n"))
	require.NoError(t, os.Rename(fresh, path))

	assert.Equal(t, []protocol.Packet{protocol.Error{Path: path, Message: "replaced"}}, env.poll())
	assert.Equal(t, int64(-1), n.ClientOffset)
	assert.Equal(t, tree.StateInit, n.State)
	assert.Equal(t, tree.PathError, n.LastPathState)

	// The replacement has to be verified from scratch.
	offer := env.poll()[0].(protocol.OfferBlock)
	assert.Equal(t, int64(0), offer.Offset)
	assert.Equal(t, protocol.Hash(sha256.Sum256([]byte("new\n"))), offer.Hash)
	assert.Equal(t, tree.PathOK, n.LastPathState)
}

func TestTruncatedFile(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	path := env.write("app.log", content(100))
	n := env.open(path)

	env.poll()
	n.Need()
	env.poll()

	require.NoError(t, os.Truncate(path, 10))
	assert.Equal(t, []protocol.Packet{protocol.Error{Path: path, Message: "replaced"}}, env.poll())

	offer := env.poll()[0].(protocol.OfferBlock)
	assert.Equal(t, int64(0), offer.Offset)
	assert.Equal(t, int64(10), offer.Length)
	assert.Equal(t, tree.StateOffered, n.State)
}

func TestMissingPath(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	path := env.path("missing.log")
	n := env.open(path)

	assert.Equal(t, []protocol.Packet{
		protocol.Error{Path: path, Message: "unable to lstat -- no such file or directory"},
	}, env.poll())
	assert.Nil(t, n.LastStat)

	// The error is only reported once.
	assert.Empty(t, env.poll())
	assert.Equal(t, 0, env.poller.Poll(env.tree))

	env.write("missing.log", []byte("here now\n"))
	packets := env.poll()
	require.Len(t, packets, 1)
	assert.IsType(t, protocol.OfferBlock{}, packets[0])
	assert.Equal(t, tree.PathOK, n.LastPathState)
	assert.NotNil(t, n.LastStat)
}

func TestGlobWithoutMatches(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	pattern := env.path("*.log")
	n := env.open(pattern)

	assert.Equal(t, []protocol.Packet{protocol.Synced{RootPath: pattern, Path: pattern}}, env.poll())
	assert.Empty(t, n.Children)
	assert.Equal(t, tree.PathOK, n.LastPathState)
	assert.Empty(t, env.poll())
}

func TestGlobChildren(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	a := env.write("a.log", []byte("a\n"))
	b := env.write("b.log", []byte("b\n"))
	env.write("c.txt", []byte("c\n"))
	pattern := env.path("*.log")
	n := env.open(pattern)

	packets := env.poll()
	require.Len(t, packets, 2)
	assert.Equal(t, a, packets[0].(protocol.OfferBlock).Path)
	assert.Equal(t, b, packets[1].(protocol.OfferBlock).Path)
	assert.Equal(t, pattern, packets[1].(protocol.OfferBlock).RootPath)
	assert.Equal(t, tree.StateInit, n.State)

	// The children are waiting on the peer, and the glob itself is stable.
	assert.Equal(t, []protocol.Packet{protocol.Synced{RootPath: pattern, Path: pattern}}, env.poll())

	require.NoError(t, os.Remove(b))
	assert.Equal(t, []protocol.Packet{protocol.Error{Path: b, Message: "deleted"}}, env.poll())
	require.Len(t, n.Children, 1)
	assert.Equal(t, a, n.Children[0].Path)

	assert.Equal(t, []protocol.Packet{protocol.Synced{RootPath: pattern, Path: pattern}}, env.poll())
}

func TestBadGlob(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	pattern := env.path("[*.log")
	n := env.open(pattern)

	packets := env.poll()
	require.Len(t, packets, 1)
	assert.Contains(t, packets[0].(protocol.Error).Message, "unable to glob -- ")
	assert.Equal(t, tree.PathError, n.LastPathState)
	assert.Empty(t, env.poll())
}

func TestDirectory(t *testing.T) {
	opts := DefaultOptions()
	opts.Ignore = []glob.Glob{glob.MustCompile("*.tmp")}
	env := newTestEnv(t, opts)
	file := env.write("logs/app.log", []byte("hello\n"))
	env.write("logs/scratch.tmp", []byte("ignored\n"))
	env.write("logs/nested/deep.log", []byte("skipped\n"))
	target := env.write("other/target.log", []byte("target\n"))
	link := env.path("logs/current")
	require.NoError(t, os.Symlink(target, link))

	dir := env.path("logs")
	n := env.open(dir)

	packets := env.poll()
	require.Len(t, packets, 3)
	assert.Equal(t, file, packets[0].(protocol.OfferBlock).Path)
	assert.Equal(t, protocol.LinkBlock{RootPath: dir, Path: link, Target: target}, packets[1])
	assert.Equal(t, target, packets[2].(protocol.OfferBlock).Path)
	assert.Equal(t, dir, packets[2].(protocol.OfferBlock).RootPath)

	var children []string
	for _, child := range n.Children {
		children = append(children, child.Path)
	}
	assert.Equal(t, []string{file, link}, children)

	assert.Equal(t, []protocol.Packet{protocol.Synced{RootPath: dir, Path: dir}}, env.poll())
}

func TestSymlink(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	target := env.write("target.log", []byte("target\n"))
	link := env.path("current.log")
	require.NoError(t, os.Symlink(target, link))
	n := env.open(link)

	packets := env.poll()
	require.Len(t, packets, 2)
	assert.Equal(t, protocol.LinkBlock{RootPath: link, Path: link, Target: target}, packets[0])
	offer := packets[1].(protocol.OfferBlock)
	assert.Equal(t, link, offer.RootPath)
	assert.Equal(t, target, offer.Path)

	require.Len(t, n.Children, 1)
	assert.Equal(t, tree.StateSynced, n.State)

	// The link is only reported once, and its target isn't added twice.
	assert.Empty(t, env.poll())
	assert.Len(t, n.Children, 1)
}

func TestRelativeSymlink(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	env.write("target.log", []byte("target\n"))
	link := env.path("current.log")
	require.NoError(t, os.Symlink("target.log", link))
	n := env.open(link)

	assert.Equal(t, []protocol.Packet{
		protocol.LinkBlock{RootPath: link, Path: link, Target: "target.log"},
	}, env.poll())
	assert.Empty(t, n.Children)
}

func TestSymlinkLoop(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	link := env.path("loop")
	require.NoError(t, os.Symlink(link, link))
	n := env.open(link)

	assert.Equal(t, []protocol.Packet{
		protocol.LinkBlock{RootPath: link, Path: link, Target: link},
	}, env.poll())
	assert.Len(t, n.Children, 1)
	assert.Empty(t, env.poll())
}

func TestMaxDepth(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxDepth = 1
	env := newTestEnv(t, opts)
	env.write("svc/app.log", []byte("app\n"))
	pattern := env.path("*")
	n := env.open(pattern)

	// The directory is enumerated but its files aren't visited.
	packets := env.poll()
	assert.Empty(t, packets)
	require.Len(t, n.Children, 1)
	assert.Len(t, n.Children[0].Children, 1)
	assert.Equal(t, tree.StateInit, n.Children[0].Children[0].State)
}

func TestStableTreeIsIdle(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	env.write("logs/a.log", []byte("a\n"))
	env.write("logs/b.log", []byte("b\n"))
	dir := env.path("logs")
	n := env.open(dir)

	env.poll()
	for _, child := range n.Children {
		child.Need()
	}
	for i := 0; i < 3; i++ {
		env.poll()
	}

	before := append([]*tree.Node(nil), n.Children...)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, env.poller.Poll(env.tree))
	}
	assert.Empty(t, env.out.Take())
	assert.Equal(t, before, n.Children)
	for i := range before {
		assert.Same(t, before[i], n.Children[i])
	}
	assert.Equal(t, 3, env.tree.Len())
}

func TestReadSize(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	p := New(afero.NewMemMapFs(), &protocol.Recorder{}, logger, DefaultOptions())

	tests := []struct {
		name      string
		state     tree.State
		knownSize int64
		offset    int64
		exp       int64
	}{
		{"First contact", tree.StateInit, 0, 0, DefaultProbeSize},
		{"Catching up", tree.StateInit, 1000, 200, 800},
		{"Catching up on a large file", tree.StateInit, 100 * DefaultMaxReadSize, 0, DefaultMaxReadSize},
		{"Past the known size", tree.StateInit, 1000, 1000, DefaultMaxReadSize},
		{"Tailing", tree.StateTailing, 0, 0, DefaultMaxReadSize},
	}

	for _, test := range tests {
		n := tree.NewNode("/f")
		n.State = test.state
		n.ClientKnownSize = test.knownSize
		assert.Equal(t, test.exp, p.readSize(n, test.offset), test.name)
	}
}

func TestMemMapFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/logs/app.log", []byte("hello\n"), 0644))

	logger, _ := logrusTest.NewNullLogger()
	out := &protocol.Recorder{}
	p := New(fs, out, logger, DefaultOptions())
	tr := tree.New()
	tr.Open("/logs")

	p.Poll(tr)
	packets := out.Take()
	require.Len(t, packets, 1)
	offer := packets[0].(protocol.OfferBlock)
	assert.Equal(t, "/logs/app.log", offer.Path)
	assert.Equal(t, protocol.Hash(sha256.Sum256([]byte("hello\n"))), offer.Hash)
}
