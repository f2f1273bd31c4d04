// Package config loads one receiver's streaming parameters from a
// flat key=value file, the same shape pkg/config/config.go uses for
// OAuth/API credentials, repurposed here for session ports, codec
// selection, and the raw key material the session layer is handed.
package config

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ethan/airplay-receiver/internal/rtpingest"
	"github.com/ethan/airplay-receiver/internal/session"
)

// Config holds every input a single streaming session needs, in the
// form a deployment's config file supplies it: strings, decimal
// integers, and hex-encoded byte strings.
type Config struct {
	LocalIP     string
	PeerIP      string
	RTSPAddr    string
	SessionPath string

	Codec       string
	HTTPLength  int64
	ServerName  string

	SyncRequired bool
	DriftEnable  bool
	RangeEnable  bool
	LatencyMs    int
	HTTPFill     bool
	DelayFrames  int

	AESKeyHex string
	AESIVHex  string

	FMTP [12]int

	RemoteControlPort int
	RemoteTimingPort  int

	PortWindowBase     int
	PortWindowRange    int
	HTTPPortWindowBase int
	HTTPPortWindowRange int

	UseAuthSetup bool
	AuthPubHex   string
	AuthPrivHex  string
}

// Load reads a key=value config file into Config.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg := &Config{
		Codec:           "pcm",
		HTTPLength:      -1,
		PortWindowRange: 200,
		HTTPPortWindowRange: 200,
	}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}

		if err := cfg.set(key, decoded); err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "local_ip":
		c.LocalIP = value
	case "peer_ip":
		c.PeerIP = value
	case "rtsp_addr":
		c.RTSPAddr = value
	case "session_path":
		c.SessionPath = value
	case "codec":
		c.Codec = value
	case "server_name":
		c.ServerName = value
	case "http_length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		c.HTTPLength = n
	case "sync_required":
		c.SyncRequired = parseBool(value)
	case "drift_enable":
		c.DriftEnable = parseBool(value)
	case "range_enable":
		c.RangeEnable = parseBool(value)
	case "http_fill":
		c.HTTPFill = parseBool(value)
	case "use_auth_setup":
		c.UseAuthSetup = parseBool(value)
	case "latency_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.LatencyMs = n
	case "delay_frames":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.DelayFrames = n
	case "aes_key":
		c.AESKeyHex = value
	case "aes_iv":
		c.AESIVHex = value
	case "auth_pub":
		c.AuthPubHex = value
	case "auth_priv":
		c.AuthPrivHex = value
	case "fmtp":
		fields := strings.Fields(value)
		if len(fields) != 12 {
			return fmt.Errorf("fmtp requires 12 fields, got %d", len(fields))
		}
		for i, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil {
				return err
			}
			c.FMTP[i] = n
		}
	case "remote_control_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.RemoteControlPort = n
	case "remote_timing_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.RemoteTimingPort = n
	case "port_window_base":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.PortWindowBase = n
	case "port_window_range":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.PortWindowRange = n
	case "http_port_window_base":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.HTTPPortWindowBase = n
	case "http_port_window_range":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.HTTPPortWindowRange = n
	}
	return nil
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks the fields a session can't start without.
func (c *Config) Validate() error {
	if c.LocalIP == "" {
		return fmt.Errorf("missing local_ip")
	}
	if c.RTSPAddr == "" {
		return fmt.Errorf("missing rtsp_addr")
	}
	if c.SessionPath == "" {
		return fmt.Errorf("missing session_path")
	}
	if c.AESKeyHex == "" || c.AESIVHex == "" {
		return fmt.Errorf("missing aes_key/aes_iv")
	}
	if c.PortWindowBase == 0 {
		return fmt.Errorf("missing port_window_base")
	}
	if c.HTTPPortWindowBase == 0 {
		return fmt.Errorf("missing http_port_window_base")
	}
	return nil
}

// SessionConfig builds a session.Config from the loaded values, with
// decode as the caller-supplied ALAC (or other) frame decoder, since
// this package has no business knowing about audio codecs.
func (c *Config) SessionConfig(decode rtpingest.Decoder, eventCallback func(rtpingest.Event)) (session.Config, error) {
	key, err := hex.DecodeString(c.AESKeyHex)
	if err != nil {
		return session.Config{}, fmt.Errorf("config: aes_key: %w", err)
	}
	iv, err := hex.DecodeString(c.AESIVHex)
	if err != nil {
		return session.Config{}, fmt.Errorf("config: aes_iv: %w", err)
	}

	var authPub ed25519.PublicKey
	var authPriv ed25519.PrivateKey
	if c.AuthPubHex != "" && c.AuthPrivHex != "" {
		pubBytes, err := hex.DecodeString(c.AuthPubHex)
		if err != nil {
			return session.Config{}, fmt.Errorf("config: auth_pub: %w", err)
		}
		privBytes, err := hex.DecodeString(c.AuthPrivHex)
		if err != nil {
			return session.Config{}, fmt.Errorf("config: auth_priv: %w", err)
		}
		authPub = ed25519.PublicKey(pubBytes)
		authPriv = ed25519.PrivateKey(privBytes)
	}

	return session.Config{
		LocalIP:     net.ParseIP(c.LocalIP),
		PeerIP:      net.ParseIP(c.PeerIP),
		RTSPAddr:    c.RTSPAddr,
		SessionPath: c.SessionPath,

		CodecName:  c.Codec,
		HTTPLength: c.HTTPLength,
		ServerName: c.ServerName,

		SyncRequired: c.SyncRequired,
		DriftEnable:  c.DriftEnable,
		RangeEnable:  c.RangeEnable,
		LatencyMs:    c.LatencyMs,
		HTTPFill:     c.HTTPFill,
		DelayFrames:  c.DelayFrames,

		AESKey: key,
		AESIV:  iv,
		FMTP:   c.FMTP,

		RemoteControlPort: c.RemoteControlPort,
		RemoteTimingPort:  c.RemoteTimingPort,
		PortWindow:        rtpingest.PortWindow{Base: c.PortWindowBase, Range: c.PortWindowRange},
		HTTPPortWindow:    rtpingest.PortWindow{Base: c.HTTPPortWindowBase, Range: c.HTTPPortWindowRange},

		UseAuthSetup: c.UseAuthSetup,
		AuthPub:      authPub,
		AuthPriv:     authPriv,

		Decode:        decode,
		EventCallback: eventCallback,
	}, nil
}
