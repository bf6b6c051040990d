package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "starstream.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Nodes != Default().Nodes || cfg.Source.Chunks != Default().Source.Chunks {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
}

func TestLoad_YamlOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
nodes: 10
end_time: 40
protocol:
  out_deg: 9
  corrupted_messages: true
  corrupted_messages_probability: 0.25
source:
  chunks: 5
  ack_timeout: 3
playback:
  min_contiguous_chunks_in_buffer: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Nodes != 10 || cfg.EndTime != 40 {
		t.Errorf("Nodes, EndTime = %d, %d; want 10, 40", cfg.Nodes, cfg.EndTime)
	}
	if cfg.Protocol.OutDeg != 9 || !cfg.Protocol.CorruptedMessages || cfg.Protocol.CorruptedMessagesProbability != 0.25 {
		t.Errorf("Protocol = %+v", cfg.Protocol)
	}
	if cfg.Protocol.InDeg != Default().Protocol.InDeg {
		t.Errorf("InDeg = %d, want the default to survive a partial section", cfg.Protocol.InDeg)
	}
	if cfg.PlaybackConfig().TotalChunks != 5 {
		t.Errorf("PlaybackConfig().TotalChunks = %d, want 5", cfg.PlaybackConfig().TotalChunks)
	}
}

func TestLoad_ExpandsEnvInFile(t *testing.T) {
	t.Setenv("SIM_NODES", "12")
	path := writeConfig(t, "nodes: ${SIM_NODES}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Nodes != 12 {
		t.Errorf("Nodes = %d, want 12", cfg.Nodes)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("STARSTREAM_NODES", "7")
	t.Setenv("STARSTREAM_SOURCE_ACK_TIMEOUT", "9")
	path := writeConfig(t, "nodes: 10\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Nodes != 7 {
		t.Errorf("Nodes = %d, want 7 from the environment", cfg.Nodes)
	}
	if cfg.Source.AckTimeout != 9 {
		t.Errorf("Source.AckTimeout = %d, want 9 from the environment", cfg.Source.AckTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no nodes", func(c *Config) { c.Nodes = 0 }},
		{"probability above one", func(c *Config) { c.Protocol.CorruptedMessagesProbability = 1.5 }},
		{"negative loss", func(c *Config) { c.Transport.UnreliableLoss = -0.1 }},
		{"zero playback length", func(c *Config) { c.Playback.ChunkPlaybackLength = 0 }},
		{"inverted delays", func(c *Config) { c.Transport.ReliableMinDelay = 3; c.Transport.ReliableMaxDelay = 1 }},
		{"tiny leaf set", func(c *Config) { c.Overlay.LeafSetSize = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestChannels(t *testing.T) {
	cfg := Default()
	cfg.Transport.UnreliableLoss = 0.3

	reliable, unreliable := cfg.Channels()
	if reliable.Loss != 0 || unreliable.Loss != 0.3 {
		t.Errorf("loss = %v, %v; want 0, 0.3", reliable.Loss, unreliable.Loss)
	}
}
