// Package config loads the experiment configuration for the jostle
// supervisor: global run settings plus one entry per workload instance.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level experiment description.
type Config struct {
	DurationMinutes   uint32 `yaml:"duration"`       // minutes
	WarmPeriodMinutes uint32 `yaml:"warm_period"`    // minutes
	StatsInterval     uint32 `yaml:"stats_interval"` // seconds
	SyncStats         bool   `yaml:"sync_stats"`
	Socket            string `yaml:"socket"`
	Commands          string `yaml:"commands"`

	DockerImage  string   `yaml:"docker_image"`
	DockerParams []string `yaml:"docker_params"`

	RocksdbConfigFile string `yaml:"rocksdb_config"`

	Perfmon     bool   `yaml:"perfmon"`
	PerfmonPort uint16 `yaml:"perfmon_port"`

	KVBench []KVBenchSpec `yaml:"kvbench"`
	YCSB    []YCSBSpec    `yaml:"ycsb"`
	Blkload []BlkloadSpec `yaml:"blkload"`
}

// KVBenchSpec configures one db_bench instance.
type KVBenchSpec struct {
	Path             string `yaml:"path"`
	Benchmark        string `yaml:"benchmark"` // readwhilewriting, readrandomwriterandom, mixgraph
	NumKeys          uint64 `yaml:"num_keys"`
	NumLevels        uint32 `yaml:"num_levels"`
	CacheSize        uint64 `yaml:"cache_size"`
	Threads          uint32 `yaml:"threads"`
	ReadWritePercent uint32 `yaml:"readwritepercent"`
	SineCycles       uint32 `yaml:"sine_cycles"`
	SineShift        uint32 `yaml:"sine_shift"`
	Params           string `yaml:"params"`
	Create           bool   `yaml:"create"`
}

// YCSBSpec configures one client-simulator instance.
type YCSBSpec struct {
	Path         string `yaml:"path"`
	Workload     string `yaml:"workload"`
	NumKeys      uint64 `yaml:"num_keys"`
	Threads      uint32 `yaml:"threads"`
	SleepMinutes uint32 `yaml:"sleep"`
	Socket       bool   `yaml:"socket"`
	Params       string `yaml:"params"`
	Create       bool   `yaml:"create"`
}

// BlkloadSpec configures one raw-I/O workload instance.
type BlkloadSpec struct {
	Dir       string `yaml:"dir"`
	File      string `yaml:"file"`
	BlockSize uint64 `yaml:"block_size"`
	IOEngine  string `yaml:"io_engine"`
	Iodepth   uint32 `yaml:"iodepth"`
	ODirect   string `yaml:"o_direct"` // tri-state: "", "true", "false"
	ODSync    string `yaml:"o_dsync"`
	Script    string `yaml:"script"`
	Params    string `yaml:"params"`
}

// Load reads and validates an experiment config, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.StatsInterval == 0 {
		c.StatsInterval = 5
	}
	if c.DurationMinutes == 0 {
		return fmt.Errorf("duration must be > 0 minutes")
	}
	if c.PerfmonPort == 0 {
		c.PerfmonPort = 18087
	}
	if c.DockerImage == "" {
		c.DockerImage = "jostle:latest"
	}
	for i := range c.KVBench {
		k := &c.KVBench[i]
		if k.Path == "" {
			return fmt.Errorf("kvbench[%d]: path must not be empty", i)
		}
		if k.Benchmark == "" {
			k.Benchmark = "readwhilewriting"
		}
		if k.NumKeys == 0 {
			k.NumKeys = 50_000_000
		}
		if k.NumLevels == 0 {
			k.NumLevels = 6
		}
		if k.CacheSize == 0 {
			k.CacheSize = 512 * 1024 * 1024
		}
		if k.Threads == 0 {
			k.Threads = 9
		}
		if k.ReadWritePercent == 0 {
			k.ReadWritePercent = 90
		}
		if k.SineCycles == 0 {
			k.SineCycles = 1
		}
	}
	for i := range c.YCSB {
		y := &c.YCSB[i]
		if y.Path == "" {
			return fmt.Errorf("ycsb[%d]: path must not be empty", i)
		}
		if y.Workload == "" {
			y.Workload = "workloadb"
		}
		if y.NumKeys == 0 {
			y.NumKeys = 50_000_000
		}
		if y.Threads == 0 {
			y.Threads = 5
		}
	}
	for i := range c.Blkload {
		b := &c.Blkload[i]
		if b.Dir == "" {
			return fmt.Errorf("blkload[%d]: dir must not be empty", i)
		}
		if b.File == "" {
			b.File = fmt.Sprintf("blkload_%d.dat", i)
		}
		if b.BlockSize == 0 {
			b.BlockSize = 4
		}
	}
	return nil
}

// NumTasks returns the total workload instance count.
func (c *Config) NumTasks() int {
	return len(c.KVBench) + len(c.YCSB) + len(c.Blkload)
}
