// Package config holds every tunable of a simulation run. Values come from
// defaults, then an optional yaml file, then STARSTREAM_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pyropy/starstream/core/node"
	"github.com/pyropy/starstream/core/overlay"
	"github.com/pyropy/starstream/core/protocol"
	"github.com/pyropy/starstream/core/source"
	"github.com/pyropy/starstream/core/transport"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "STARSTREAM"

var (
	ErrInvalidConfig = errors.New("invalid config")
)

type Config struct {
	Seed    int64 `yaml:"seed" envconfig:"SEED"`
	Nodes   int   `yaml:"nodes" envconfig:"NODES"`
	EndTime int64 `yaml:"end_time" envconfig:"END_TIME"`

	Protocol  Protocol  `yaml:"protocol" envconfig:"PROTOCOL"`
	Source    Source    `yaml:"source" envconfig:"SOURCE"`
	Playback  Playback  `yaml:"playback" envconfig:"PLAYBACK"`
	Transport Transport `yaml:"transport" envconfig:"TRANSPORT"`
	Overlay   Overlay   `yaml:"overlay" envconfig:"OVERLAY"`
	Log       Log       `yaml:"log" envconfig:"LOG"`
}

type Protocol struct {
	MsgTimeout                   int64   `yaml:"msg_timeout" envconfig:"MSG_TIMEOUT"`
	StoreMaxSize                 int     `yaml:"store_max_size" envconfig:"STORE_MAX_SIZE"`
	CorruptedMessages            bool    `yaml:"corrupted_messages" envconfig:"CORRUPTED_MESSAGES"`
	CorruptedMessagesProbability float64 `yaml:"corrupted_messages_probability" envconfig:"CORRUPTED_MESSAGES_PROBABILITY"`
	ChunkExpiration              int64   `yaml:"chunk_expiration" envconfig:"CHUNK_EXPIRATION"`
	OutDeg                       int     `yaml:"out_deg" envconfig:"OUT_DEG"`
	InDeg                        int     `yaml:"in_deg" envconfig:"IN_DEG"`
}

type Source struct {
	ChunksPerTimeUnit int   `yaml:"chunks_per_time_unit" envconfig:"CHUNKS_PER_TIME_UNIT"`
	NodesPerChunk     int   `yaml:"nodes_per_chunk" envconfig:"NODES_PER_CHUNK"`
	Chunks            int   `yaml:"chunks" envconfig:"CHUNKS"`
	Start             int64 `yaml:"start" envconfig:"START"`
	AckTimeout        int64 `yaml:"ack_timeout" envconfig:"ACK_TIMEOUT"`
	PayloadSize       int   `yaml:"payload_size" envconfig:"PAYLOAD_SIZE"`
}

type Playback struct {
	MinContiguousChunksInBuffer int   `yaml:"min_contiguous_chunks_in_buffer" envconfig:"MIN_CONTIGUOUS_CHUNKS_IN_BUFFER"`
	StreamingStart              int64 `yaml:"streaming_start" envconfig:"STREAMING_START"`
	StreamingStartTimeout       int64 `yaml:"streaming_start_timeout" envconfig:"STREAMING_START_TIMEOUT"`
	Advance                     int64 `yaml:"advance" envconfig:"ADVANCE"`
	ChunkPlaybackLength         int64 `yaml:"chunk_playback_length" envconfig:"CHUNK_PLAYBACK_LENGTH"`
}

type Transport struct {
	ReliableMinDelay   int64   `yaml:"reliable_min_delay" envconfig:"RELIABLE_MIN_DELAY"`
	ReliableMaxDelay   int64   `yaml:"reliable_max_delay" envconfig:"RELIABLE_MAX_DELAY"`
	UnreliableMinDelay int64   `yaml:"unreliable_min_delay" envconfig:"UNRELIABLE_MIN_DELAY"`
	UnreliableMaxDelay int64   `yaml:"unreliable_max_delay" envconfig:"UNRELIABLE_MAX_DELAY"`
	UnreliableLoss     float64 `yaml:"unreliable_loss" envconfig:"UNRELIABLE_LOSS"`
}

type Overlay struct {
	LeafSetSize int   `yaml:"leaf_set_size" envconfig:"LEAF_SET_SIZE"`
	HopDelay    int64 `yaml:"hop_delay" envconfig:"HOP_DELAY"`
	JoinWindow  int64 `yaml:"join_window" envconfig:"JOIN_WINDOW"`
}

type Log struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

func Default() Config {
	return Config{
		Seed:    1,
		Nodes:   50,
		EndTime: 300,
		Protocol: Protocol{
			MsgTimeout:   10,
			StoreMaxSize: 200,
			OutDeg:       3,
			InDeg:        2,
		},
		Source: Source{
			ChunksPerTimeUnit: 1,
			NodesPerChunk:     2,
			Chunks:            100,
			Start:             10,
			AckTimeout:        5,
			PayloadSize:       32,
		},
		Playback: Playback{
			MinContiguousChunksInBuffer: 5,
			StreamingStart:              10,
			StreamingStartTimeout:       20,
			Advance:                     5,
			ChunkPlaybackLength:         1,
		},
		Transport: Transport{
			ReliableMinDelay:   1,
			ReliableMaxDelay:   1,
			UnreliableMinDelay: 1,
			UnreliableMaxDelay: 2,
		},
		Overlay: Overlay{
			LeafSetSize: 8,
			HopDelay:    1,
			JoinWindow:  10,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults, when path is set, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}

		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	checks := []struct {
		ok   bool
		what string
	}{
		{c.Nodes > 0, "nodes must be positive"},
		{c.EndTime >= 0, "end_time must not be negative"},
		{c.Protocol.MsgTimeout >= 0, "protocol.msg_timeout must not be negative"},
		{c.Protocol.ChunkExpiration >= 0, "protocol.chunk_expiration must not be negative"},
		{c.Protocol.OutDeg >= 0 && c.Protocol.InDeg >= 0, "protocol degrees must not be negative"},
		{inUnit(c.Protocol.CorruptedMessagesProbability), "protocol.corrupted_messages_probability must be within [0,1]"},
		{c.Source.ChunksPerTimeUnit > 0, "source.chunks_per_time_unit must be positive"},
		{c.Source.NodesPerChunk > 0, "source.nodes_per_chunk must be positive"},
		{c.Source.Chunks >= 0, "source.chunks must not be negative"},
		{c.Source.AckTimeout >= 0, "source.ack_timeout must not be negative"},
		{c.Source.PayloadSize >= 0, "source.payload_size must not be negative"},
		{c.Playback.MinContiguousChunksInBuffer > 0, "playback.min_contiguous_chunks_in_buffer must be positive"},
		{c.Playback.ChunkPlaybackLength > 0, "playback.chunk_playback_length must be positive"},
		{c.Transport.ReliableMinDelay >= 0 && c.Transport.ReliableMaxDelay >= c.Transport.ReliableMinDelay, "transport reliable delays must satisfy 0 <= min <= max"},
		{c.Transport.UnreliableMinDelay >= 0 && c.Transport.UnreliableMaxDelay >= c.Transport.UnreliableMinDelay, "transport unreliable delays must satisfy 0 <= min <= max"},
		{inUnit(c.Transport.UnreliableLoss), "transport.unreliable_loss must be within [0,1]"},
		{c.Overlay.LeafSetSize >= 2, "overlay.leaf_set_size must be at least 2"},
		{c.Overlay.HopDelay >= 0 && c.Overlay.JoinWindow >= 0, "overlay delays must not be negative"},
	}

	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, check.what)
		}
	}

	return nil
}

func inUnit(p float64) bool {
	return p >= 0 && p <= 1
}

func (c *Config) ProtocolConfig() protocol.Config {
	return protocol.Config{
		MsgTimeout:                   c.Protocol.MsgTimeout,
		StoreMaxSize:                 c.Protocol.StoreMaxSize,
		CorruptedMessages:            c.Protocol.CorruptedMessages,
		CorruptedMessagesProbability: c.Protocol.CorruptedMessagesProbability,
		OutDeg:                       c.Protocol.OutDeg,
		InDeg:                        c.Protocol.InDeg,
	}
}

func (c *Config) SourceConfig() source.Config {
	return source.Config{
		ChunksPerTimeUnit: c.Source.ChunksPerTimeUnit,
		NodesPerChunk:     c.Source.NodesPerChunk,
		Chunks:            c.Source.Chunks,
		Start:             c.Source.Start,
		AckTimeout:        c.Source.AckTimeout,
		PayloadSize:       c.Source.PayloadSize,
	}
}

func (c *Config) PlaybackConfig() node.PlaybackConfig {
	return node.PlaybackConfig{
		MinContiguousChunksInBuffer: c.Playback.MinContiguousChunksInBuffer,
		StreamingStart:              c.Playback.StreamingStart,
		StreamingStartTimeout:       c.Playback.StreamingStartTimeout,
		Advance:                     c.Playback.Advance,
		ChunkPlaybackLength:         c.Playback.ChunkPlaybackLength,
		TotalChunks:                 c.Source.Chunks,
	}
}

func (c *Config) OverlayConfig() overlay.Config {
	return overlay.Config{
		LeafSetSize: c.Overlay.LeafSetSize,
		HopDelay:    c.Overlay.HopDelay,
	}
}

// Channels returns the reliable and unreliable channel settings.
func (c *Config) Channels() (transport.ChannelConfig, transport.ChannelConfig) {
	reliable := transport.ChannelConfig{
		MinDelay: c.Transport.ReliableMinDelay,
		MaxDelay: c.Transport.ReliableMaxDelay,
	}
	unreliable := transport.ChannelConfig{
		MinDelay: c.Transport.UnreliableMinDelay,
		MaxDelay: c.Transport.UnreliableMaxDelay,
		Loss:     c.Transport.UnreliableLoss,
	}

	return reliable, unreliable
}
