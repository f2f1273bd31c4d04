package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receiver.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
# receiver config
local_ip=127.0.0.1
rtsp_addr=127.0.0.1:5000
session_path=session1
aes_key=00112233445566778899aabbccddeeff
aes_iv=ffeeddccbbaa99887766554433221100
port_window_base=6000
http_port_window_base=7000
`

func TestLoadParsesMinimalConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.LocalIP)
	require.Equal(t, "127.0.0.1:5000", cfg.RTSPAddr)
	require.Equal(t, "session1", cfg.SessionPath)
	require.Equal(t, "pcm", cfg.Codec) // default
	require.Equal(t, int64(-1), cfg.HTTPLength)
	require.Equal(t, 200, cfg.PortWindowRange) // default
}

func TestLoadParsesFmtpAndBooleans(t *testing.T) {
	body := minimalConfig + "\nfmtp=96 352 0 16 40 10 14 2 255 0 0 44100\nsync_required=true\ndrift_enable=yes\n"
	path := writeConfig(t, body)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, [12]int{96, 352, 0, 16, 40, 10, 14, 2, 255, 0, 0, 44100}, cfg.FMTP)
	require.True(t, cfg.SyncRequired)
	require.True(t, cfg.DriftEnable)
}

func TestLoadRejectsMalformedFmtp(t *testing.T) {
	body := minimalConfig + "\nfmtp=96 352 16\n"
	path := writeConfig(t, body)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, "local_ip=127.0.0.1\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestSessionConfigDecodesHexKeyMaterial(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	sc, err := cfg.SessionConfig(func(p []byte) ([]byte, error) { return p, nil }, nil)
	require.NoError(t, err)
	require.Len(t, sc.AESKey, 16)
	require.Len(t, sc.AESIV, 16)
	require.Equal(t, "127.0.0.1", sc.LocalIP.String())
}

func TestSessionConfigRequiresValidHex(t *testing.T) {
	body := `
local_ip=127.0.0.1
rtsp_addr=127.0.0.1:5000
session_path=session1
aes_key=not-hex
aes_iv=ffeeddccbbaa99887766554433221100
port_window_base=6000
http_port_window_base=7000
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.SessionConfig(func(p []byte) ([]byte, error) { return p, nil }, nil)
	require.Error(t, err)
}
