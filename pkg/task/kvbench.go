package task

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/runningwild/jostle/pkg/config"
	"github.com/runningwild/jostle/pkg/timesync"
)

// Stdout line shapes produced by db_bench. The stall line closes one
// reporting interval.
var (
	kvThreadOpsRe = regexp.MustCompile(`thread ([0-9]+): \(([0-9.]+),([0-9.]+)\) ops and \(([0-9.]+),([0-9.]+)\) ops/second in \(([0-9.]+),([0-9.]+)\) seconds`)
	kvWritesRe    = regexp.MustCompile(`Interval writes: ([0-9.]+[KMGT]*) writes, ([0-9.]+[KMGT]*) keys, ([0-9.]+[KMGT]*) commit groups, ([0-9.]+[KMGT]*) writes per commit group, ingest: ([0-9.]+) [KMGT]*B, ([0-9.]+) [KMGT]*B/s`)
	kvWALRe       = regexp.MustCompile(`Interval WAL: ([0-9.]+[KMGT]*) writes, ([0-9.]+[KMGT]*) syncs, ([0-9.]+[KMGT]*) writes per sync, written: ([0-9.]+) [KMGT]*B, ([0-9.]+) [KMGT]*B/s`)
	kvStallRe     = regexp.MustCompile(`Interval stall: ([0-9:.]+) H:M:S, ([0-9.]+) percent`)
)

// KVBench runs one db_bench workload container and extracts its interval
// metrics.
type KVBench struct {
	Base
	cfg     *config.Config
	spec    config.KVBenchSpec
	idx     int
	primary bool
	tsync   *timesync.TimeSync

	ops     uint64
	opsPerS float64
}

func NewKVBench(clock *timesync.Clock, cfg *config.Config, idx int, primary bool, rt Runtime, tmp *TmpDir, ts *timesync.TimeSync, log *zap.SugaredLogger) *KVBench {
	k := &KVBench{
		Base:    newBase(fmt.Sprintf("db_bench[%d]", idx), fmt.Sprintf("db_bench_%d", idx), clock, uint64(cfg.WarmPeriodMinutes)*60, rt, tmp, log),
		cfg:     cfg,
		spec:    cfg.KVBench[idx],
		idx:     idx,
		primary: primary,
		tsync:   ts,
	}
	return k
}

// CreateResources bulkloads and compacts the database when the config asks
// for it. Runs in the foreground before Start.
func (k *KVBench) CreateResources(ctx context.Context) error {
	if !k.spec.Create {
		return nil
	}
	statsArgs := []string{
		"--statistics=0",
		"--stats_per_interval=1",
		"--stats_interval_seconds=60",
		"--histogram=1",
	}

	bulkload := append([]string{
		"db_bench", "--benchmarks=fillrandom",
		"--use_existing_db=0",
		"--disable_auto_compactions=1",
		"--sync=0",
	}, k.constParams()...)
	bulkload = append(bulkload,
		"--max_background_compactions=16",
		"--max_write_buffer_number=8",
		"--allow_concurrent_memtable_write=false",
		"--max_background_flushes=7",
		"--level0_file_num_compaction_trigger=10485760",
		"--level0_slowdown_writes_trigger=10485760",
		"--level0_stop_writes_trigger=10485760",
		"--threads=1",
		"--memtablerep=vector",
		"--disable_wal=1",
	)
	bulkload = append(bulkload, statsArgs...)

	k.log.Infof("Bulkload %s", k.name)
	spec, err := k.containerSpec(bulkload)
	if err != nil {
		return err
	}
	if err := k.rt.Run(ctx, k.containerName+"_create", spec); err != nil {
		return fmt.Errorf("database bulkload error: %w", err)
	}

	compact := append([]string{
		"db_bench", "--benchmarks=compact",
		"--use_existing_db=1",
		"--disable_auto_compactions=1",
		"--sync=0",
	}, k.runParams()...)
	compact = append(compact, "--threads=1")
	compact = append(compact, statsArgs...)

	k.log.Infof("Compact %s", k.name)
	spec, err = k.containerSpec(compact)
	if err != nil {
		return err
	}
	if err := k.rt.Run(ctx, k.containerName+"_create", spec); err != nil {
		return fmt.Errorf("database compact error: %w", err)
	}
	return nil
}

// Start launches the benchmark container.
func (k *KVBench) Start(ctx context.Context) error {
	cmd, err := k.benchmarkCmd()
	if err != nil {
		return err
	}
	spec, err := k.containerSpec(cmd)
	if err != nil {
		return err
	}
	k.log.Infof("Executing %s", k.name)
	return k.launch(ctx, spec, k.handleStdout)
}

func (k *KVBench) containerSpec(cmd []string) (Spec, error) {
	hostDir, err := k.tmp.ContainerDir(k.containerName)
	if err != nil {
		return Spec{}, err
	}
	spec := Spec{
		Image: k.cfg.DockerImage,
		Cmd:   cmd,
		Binds: []string{
			k.spec.Path + ":/workdata",
			hostDir + ":/tmp/host",
		},
	}
	if k.cfg.RocksdbConfigFile != "" {
		copyPath, err := k.tmp.FileCopy(k.cfg.RocksdbConfigFile)
		if err != nil {
			return Spec{}, err
		}
		spec.Binds = append(spec.Binds, copyPath+":/rocksdb.options")
	}
	return spec, nil
}

func (k *KVBench) constParams() []string {
	args := []string{
		"--db=/workdata",
		"--wal_dir=/workdata",
		fmt.Sprintf("--num=%d", k.spec.NumKeys),
		fmt.Sprintf("--num_levels=%d", k.spec.NumLevels),
		"--key_size=20",
		"--value_size=400",
		fmt.Sprintf("--block_size=%d", 8*1024),
		fmt.Sprintf("--cache_size=%d", k.spec.CacheSize),
		"--cache_numshardbits=6",
		"--compression_max_dict_bytes=0",
		"--compression_ratio=0.5",
		"--compression_type=zstd",
		"--level_compaction_dynamic_level_bytes=true",
		fmt.Sprintf("--bytes_per_sync=%d", 8*1024*1024),
		"--cache_index_and_filter_blocks=0",
		"--pin_l0_filter_and_index_blocks_in_cache=1",
		"--benchmark_write_rate_limit=0",
		"--hard_rate_limit=3",
		"--rate_limit_delay_max_milliseconds=1000000",
		fmt.Sprintf("--write_buffer_size=%d", 128*1024*1024),
		fmt.Sprintf("--target_file_size_base=%d", 128*1024*1024),
		fmt.Sprintf("--max_bytes_for_level_base=%d", 1024*1024*1024),
		"--verify_checksum=1",
		fmt.Sprintf("--delete_obsolete_files_period_micros=%d", 60*1024*1024),
		"--max_bytes_for_level_multiplier=8",
		"--memtablerep=skip_list",
		"--bloom_bits=10",
		"--open_files=-1",
	}
	if k.cfg.RocksdbConfigFile != "" {
		args = append(args, "--options_file=/rocksdb.options")
	}
	return args
}

func (k *KVBench) runParams() []string {
	return append(k.constParams(),
		"--level0_file_num_compaction_trigger=4",
		"--level0_stop_writes_trigger=20",
		"--max_background_compactions=16",
		"--max_write_buffer_number=8",
		"--max_background_flushes=7",
	)
}

func (k *KVBench) benchmarkCmd() ([]string, error) {
	durationS := k.cfg.DurationMinutes * 60
	common := append([]string{
		"db_bench", "--benchmarks=" + k.spec.Benchmark,
		fmt.Sprintf("--duration=%d", durationS),
	}, k.runParams()...)
	common = append(common,
		"--use_existing_db=true",
		fmt.Sprintf("--threads=%d", k.spec.Threads),
		"--perf_level=2",
		fmt.Sprintf("--stats_interval_seconds=%d", k.cfg.StatsInterval),
		"--stats_per_interval=1",
	)

	switch k.spec.Benchmark {
	case "readwhilewriting":
		common = append(common, "--sync=1", "--merge_operator=put")
	case "readrandomwriterandom":
		common = append(common,
			fmt.Sprintf("--readwritepercent=%d", k.spec.ReadWritePercent),
			"--sync=1", "--merge_operator=put")
	case "mixgraph":
		// Adjust the sine cycle to the experiment duration.
		sineB := 0.000073 * 24.0 * 60.0 * (float64(k.spec.SineCycles) / float64(k.cfg.DurationMinutes))
		sineC := sineB * float64(k.spec.SineShift) * 60.0
		common = append(common,
			"--key_dist_a=0.002312", "--key_dist_b=0.3467",
			"--keyrange_dist_a=14.18", "--keyrange_dist_b=-2.917",
			"--keyrange_dist_c=0.0164", "--keyrange_dist_d=-0.08082",
			"--keyrange_num=30",
			"--value_k=0.2615", "--value_sigma=25.45",
			"--iter_k=2.517", "--iter_sigma=14.236",
			"--mix_get_ratio=0.83", "--mix_put_ratio=0.14", "--mix_seek_ratio=0.03",
			"--sine_mix_rate_interval_milliseconds=5000",
			fmt.Sprintf("--sine_b=%v", sineB),
			fmt.Sprintf("--sine_c=%v", sineC),
		)
	default:
		return nil, fmt.Errorf("invalid benchmark name: %q", k.spec.Benchmark)
	}
	if k.spec.Params != "" {
		common = append(common, k.spec.Params)
	}
	return common, nil
}

func (k *KVBench) handleStdout(line string) {
	k.LogStdout(line)

	if m := kvThreadOpsRe.FindStringSubmatch(line); m != nil {
		ops, _ := strconv.ParseUint(m[2], 10, 64)
		opsPerS, _ := strconv.ParseFloat(m[4], 64)
		k.ops += ops
		k.opsPerS += opsPerS
		k.data.Set("ops", fmt.Sprintf("%d", k.ops))
		k.data.Set("ops_per_s", fmt.Sprintf("%.1f", k.opsPerS))
		k.data.Set(fmt.Sprintf("ops[%s]", m[1]), m[2])
		k.data.Set(fmt.Sprintf("ops_per_s[%s]", m[1]), m[4])
	}
	if m := kvWritesRe.FindStringSubmatch(line); m != nil {
		k.data.Set("writes", m[1])
		k.data.Set("written_keys", m[2])
		k.data.Set("written_commit_groups", m[3])
		// The first capture is the ingested volume; the byte-rate capture
		// (B/s) is the authoritative ingest rate.
		k.data.Set("ingest_MB", m[5])
		k.data.Set("ingest_MBps", m[6])
	}
	if m := kvWALRe.FindStringSubmatch(line); m != nil {
		k.data.Set("WAL_writes", m[1])
		k.data.Set("WAL_syncs", m[2])
		k.data.Set("WAL_written_MB", m[4])
		k.data.Set("WAL_written_MBps", m[5])
	}
	if m := kvStallRe.FindStringSubmatch(line); m != nil {
		k.data.Set("stall", m[1])
		k.data.Set("stall_percent", m[2])

		if k.primary && k.tsync != nil {
			k.tsync.NewReport()
		}
		k.Emit(k.data)
		k.ops = 0
		k.opsPerS = 0
	}
}
