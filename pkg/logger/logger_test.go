package logger

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategories(t *testing.T) {
	tests := []struct {
		list string
		want Category
	}{
		{"", 0},
		{"memsink", CatMemsink},
		{"memsink,rtp", CatMemsink | CatRTP},
		{" ACap , aplay ", CatACap | CatAPlay},
		{"all", catAll},
		{"session,all", catAll},
	}
	for _, tt := range tests {
		got, err := ParseCategories(tt.list)
		require.NoError(t, err, "list %q", tt.list)
		assert.Equal(t, tt.want, got, "list %q", tt.list)
	}

	_, err := ParseCategories("memsink,bogus")
	assert.ErrorContains(t, err, "bogus")
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "memsink", CatMemsink.String())
	assert.Equal(t, "acap,rtp", (CatRTP | CatACap).String())
	assert.Equal(t, "acap,aplay,memsink,rtp,session", catAll.String())
}

func TestOpenRejectsBadLevel(t *testing.T) {
	_, err := Open(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestDbgGatedByCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := Open(Options{File: path, Debug: CatRTP})
	require.NoError(t, err)

	log.Dbg(CatRTP, "wanted", "seq", 1)
	log.Dbg(CatSession, "unwanted", "ring", "video")
	require.NoError(t, log.Close())

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(out), "wanted")
	assert.Contains(t, string(out), "category=rtp")
	assert.NotContains(t, string(out), "unwanted")
}

func TestDebugCategoryForcesDebugLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := Open(Options{File: path, Level: "error", Debug: CatMemsink})
	require.NoError(t, err)
	log.Dbg(CatMemsink, "frame", "id", 1)
	require.NoError(t, log.Close())

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(out), "frame")
}

func TestWithSharesSwitchSet(t *testing.T) {
	log, err := Open(Options{Debug: CatACap})
	require.NoError(t, err)
	defer log.Close()

	child := log.With("component", "acap")
	assert.True(t, child.Enabled(CatACap))
	assert.False(t, child.Enabled(CatAPlay))
}

func TestFlagsOptions(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-log-level", "warn", "-debug", "rtp,session"}))

	opts, err := f.Options()
	require.NoError(t, err)
	assert.Equal(t, "warn", opts.Level)
	assert.Equal(t, CatRTP|CatSession, opts.Debug)
	assert.Contains(t, f.Summary(), "debug=[rtp,session]")
}

func TestFlagsRejectUnknownCategory(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-debug", "nope"}))

	_, err := f.Options()
	assert.Error(t, err)
}
