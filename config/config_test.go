package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib"
	"github.com/Clouded-Sabre/Pseudo-TCP-Message/lib/message"
	"github.com/rs/zerolog"
)

func TestParseConfigDefaults(t *testing.T) {
	config, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if config.PseudoTcp.ReceiveBufferSize != lib.DefaultRcvBufSize || config.PseudoTcp.AckDelay != lib.DefAckDelay {
		t.Errorf("engine defaults not kept: %+v", config.PseudoTcp)
	}
	if config.Message.Timeout != 30000 || config.Message.MTU != 1024 || config.Message.MaxMessageSize != message.MaxMessageSize {
		t.Errorf("message defaults not kept: %+v", config.Message)
	}
}

func TestParseConfig(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(*Config) bool
	}{
		{
			name: "overrides",
			yaml: "logLevel: debug\npseudoTcp:\n  noDelay: true\n  mtu: 1400\nmessage:\n  timeout: 5000\n",
			check: func(c *Config) bool {
				return c.LogLevel == "debug" && c.PseudoTcp.NoDelay && c.PseudoTcp.MTU == 1400 &&
					c.Message.Timeout == 5000 && c.PseudoTcp.SendBufferSize == lib.DefaultSndBufSize
			},
		},
		{name: "bad yaml", yaml: "pseudoTcp: [", wantErr: true},
		{name: "bad level", yaml: "logLevel: loud", wantErr: true},
		{name: "buffers", yaml: "pseudoTcp:\n  receiveBufferSize: 100000\n  sendBufferSize: 100000\n", wantErr: true},
		{name: "small mtu", yaml: "pseudoTcp:\n  mtu: 100\n", wantErr: true},
		{name: "small message mtu", yaml: "message:\n  mtu: 100\n", wantErr: true},
	}

	for _, tc := range testCases {
		config, err := ParseConfig([]byte(tc.yaml))
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: error %v, wantErr %v", tc.name, err, tc.wantErr)
			continue
		}
		if tc.check != nil && !tc.check(config) {
			t.Errorf("%s: unexpected config %+v", tc.name, config)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logLevel: warn\nmessage:\n  maxWake: 1000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tcpConfig, msgConfig, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if tcpConfig == nil || msgConfig.MaxWake != 1000 {
		t.Errorf("unexpected configs %+v %+v", tcpConfig, msgConfig)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("log level %v, want warn", zerolog.GlobalLevel())
	}

	if _, _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
