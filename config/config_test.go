package config

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		c := Default()
		require.NoError(t, c.Validate())

		d, err := c.StealLogInterval()
		require.NoError(t, err)
		assert.Equal(t, time.Second, d)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		file := writeConfig(t, `
[bcache]
nbuf = 64

[kalloc]
ncpu = 2
junk_fill = false

[log]
level = "debug"
steal_log_interval = "250ms"
`)

		c, err := Load(file)
		require.NoError(t, err)

		want := Default()
		want.BCache.NBuf = 64
		want.KAlloc.NCPU = 2
		want.KAlloc.JunkFill = false
		want.Log = Log{Level: "debug", StealLogInterval: "250ms"}
		if diff := cmp.Diff(want, c); diff != "" {
			t.Errorf("config mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("round trips through a file", func(t *testing.T) {
		file := path.Join(t.TempDir(), "kcore.toml")
		c := Default()
		c.Disk.Path = "/tmp/fs.img"
		require.NoError(t, c.Write(file))

		got, err := Load(file)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	})

	t.Run("empty path selects defaults", func(t *testing.T) {
		c, err := LoadOrDefault("")
		require.NoError(t, err)
		assert.Equal(t, Default(), c)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		cases := []struct {
			name string
			body string
		}{
			{"no buffers", "[bcache]\nnbuf = 0\n"},
			{"no shards", "[bcache]\nshards = -1\n"},
			{"no cpus", "[kalloc]\nncpu = 0\n"},
			{"kernel fills memory", "[kalloc]\nphys_pages = 16\nkernel_pages = 16\n"},
			{"empty disk", "[disk]\nnblocks = 0\n"},
			{"log fills the disk", "[disk]\nnblocks = 10\nlog_blocks = 10\n"},
			{"log pins the cache", "[bcache]\nnbuf = 8\n"},
			{"bad interval", "[log]\nsteal_log_interval = \"soon\"\n"},
			{"malformed toml", "[bcache\n"},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := Load(writeConfig(t, tc.body))
				assert.Error(t, err)
			})
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(path.Join(t.TempDir(), "missing.toml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	file := path.Join(t.TempDir(), "kcore.toml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o644))
	return file
}
