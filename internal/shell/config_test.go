package shell

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://erp.internal:8000/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://erp.internal:8000", cfg.Server.Origin)
	assert.Equal(t, "http://localhost:8080", cfg.Server.PublicURL)
	assert.Equal(t, "pwashell-cache-v1", cfg.CacheName())
	assert.Equal(t, []string{"/app"}, cfg.Cache.Seed)
	assert.Equal(t, "/app", cfg.Cache.Fallback)
	assert.Equal(t, int64(64<<20), cfg.RAMMax())
	assert.Equal(t, "X-Remote-User", cfg.Auth.UserHeader)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.StatsEvery())
	assert.Equal(t, "/app", cfg.Manifest.StartURL)
	assert.Equal(t, "standalone", cfg.Manifest.Display)
	assert.Equal(t, "#f97316", cfg.Manifest.ThemeColor)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pwashell.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  origin: https://erp.example.com
  publicURL: https://shell.example.com/
storage:
  ram:
    max: 1.5mb
cache:
  version: v3
  seed: [/app, /assets/erp.bundle.js]
  sitemaps: [/sitemap.xml]
push:
  vapid:
    publicKey: BPub
    privateKey: priv
  subject: mailto:ops@example.com
clients:
  openCommand: [xdg-open]
  trayTTL: 2h
logging:
  statsEvery: 30s
manifest:
  name: PlasticFlow
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://shell.example.com", cfg.Server.PublicURL)
	assert.Equal(t, int64(1.5*(1<<20)), cfg.RAMMax())
	assert.Equal(t, "pwashell-cache-v3", cfg.CacheName())
	assert.Equal(t, []string{"/app", "/assets/erp.bundle.js"}, cfg.Cache.Seed)
	assert.Equal(t, []string{"/sitemap.xml"}, cfg.Cache.Sitemaps)
	assert.Equal(t, "BPub", cfg.Push.VAPID.PublicKey)
	assert.Equal(t, []string{"xdg-open"}, cfg.Clients.OpenCommand)
	assert.Equal(t, 2*time.Hour, cfg.trayTTL)
	assert.Equal(t, 30*time.Second, cfg.StatsEvery())
	assert.Equal(t, "PlasticFlow", cfg.Manifest.ShortName)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseConfigVAPIDFromEnv(t *testing.T) {
	t.Setenv("PWASHELL_VAPID_PUBLIC_KEY", "BEnvPub")
	t.Setenv("PWASHELL_VAPID_PRIVATE_KEY", "envPriv")

	cfg, err := ParseConfig([]byte(`
server: {origin: http://erp}
push: {vapid: {publicKey: BFilePub, privateKey: filePriv}}
`))
	require.NoError(t, err)
	assert.Equal(t, "BEnvPub", cfg.Push.VAPID.PublicKey)
	assert.Equal(t, "envPriv", cfg.Push.VAPID.PrivateKey)
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no origin", "server: {port: 80}"},
		{"bad yaml", "server: ["},
		{"bad ram size", "server: {origin: http://erp}\nstorage: {ram: {max: lots}}"},
		{"relative seed", "server: {origin: http://erp}\ncache: {seed: [app]}"},
		{"bad version", "server: {origin: http://erp}\ncache: {version: 'v 2'}"},
		{"half vapid", "server: {origin: http://erp}\npush: {vapid: {publicKey: BPub}}"},
		{"negative ttl", "server: {origin: http://erp}\npush: {ttl: -1}"},
		{"bad tray ttl", "server: {origin: http://erp}\nclients: {trayTTL: soon}"},
		{"bad stats interval", "server: {origin: http://erp}\nlogging: {statsEvery: often}"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseBytes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{in: "512", want: 512},
		{in: "512b", want: 512},
		{in: "4k", want: 4 << 10},
		{in: "4 KB", want: 4 << 10},
		{in: "64m", want: 64 << 20},
		{in: "1.5GB", want: 3 << 29},
		{in: "", err: true},
		{in: "mb", err: true},
		{in: "-1m", err: true},
		{in: "ten", err: true},
	}
	for _, tt := range tests {
		tt := tt
		got, err := parseBytes(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
