package pressure

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	cmdUtil "github.com/scwright027/kv-engine/cmd/util"
	"github.com/scwright027/kv-engine/lib/engine/bucket"
	"github.com/scwright027/kv-engine/lib/engine/config"
	"github.com/scwright027/kv-engine/lib/engine/mem"
	"github.com/scwright027/kv-engine/lib/engine/vbucket"
	"github.com/scwright027/kv-engine/lib/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	pressureCmdConfig = config.DefaultOptions()
	PressureCmd       = &cobra.Command{
		Use:     "pressure",
		Short:   "Run a synthetic workload against a bucket and report paging stats",
		Long:    `Run a synthetic workload against an in-process bucket with the specified memory configuration. Mutations are issued until the configured duration elapses; the item and expiry pagers run in the background as watermarks are crossed. The configuration can be set via command line flags or environment variables. The format of the environment variables is KVENGINE_<flag> (e.g. KVENGINE_MAX_SIZE=134217728)`,
		PreRunE: processConfig,
		RunE:    run,
	}

	pressureVBuckets   = 4
	pressureKeySpread  = 50000
	pressureValueSize  = 2048
	pressureDuration   = 30 * time.Second
	pressureTTLEvery   = 4
	pressureTTL        = uint32(10)
	pressureGetPcnt    = 20
	pressureHotKeyPcnt = 10
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "max-size"
	PressureCmd.PersistentFlags().Uint64(key, 64*1024*1024, cmdUtil.WrapString("Bucket memory quota in bytes"))

	key = "mem-low-wat"
	PressureCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Low watermark in bytes. The item pager reclaims memory down to this level. 0 derives 75% of the quota"))

	key = "mem-high-wat"
	PressureCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("High watermark in bytes. Crossing it wakes the item pager. 0 derives 85% of the quota"))

	key = "ht-eviction-policy"
	PressureCmd.PersistentFlags().String(key, string(config.PolicyHiFiMFU), cmdUtil.WrapString("Eviction policy to use (hifi_mfu, 2-bit_lru)"))

	key = "bucket-type"
	PressureCmd.PersistentFlags().String(key, string(config.BucketPersistent), cmdUtil.WrapString("Bucket type (persistent, ephemeral)"))

	key = "ephemeral-full-policy"
	PressureCmd.PersistentFlags().String(key, string(config.EphemeralAutoDelete), cmdUtil.WrapString("What an ephemeral bucket does when full (auto_delete, fail_new_data)"))

	key = "item-eviction-age-percentage"
	PressureCmd.PersistentFlags().Uint64(key, 30, cmdUtil.WrapString("(hifi_mfu) Percentile of the item age distribution below which items are protected from eviction"))

	key = "item-eviction-freq-counter-age-threshold"
	PressureCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("(hifi_mfu) Frequency below which an item may be evicted regardless of age"))

	key = "exp-pager-stime"
	PressureCmd.PersistentFlags().Uint64(key, 3600, cmdUtil.WrapString("Expiry pager sleep time in seconds"))

	key = "pager-active-vb-pcnt"
	PressureCmd.PersistentFlags().Uint64(key, 40, cmdUtil.WrapString("(2-bit_lru) Percentage of the eviction effort directed at active vbuckets"))

	key = "vbuckets"
	PressureCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Number of active vbuckets to create"))

	key = "keys"
	PressureCmd.PersistentFlags().Int(key, 50000, cmdUtil.WrapString("Size of the key space the workload draws from"))

	key = "value-size"
	PressureCmd.PersistentFlags().Int(key, 2048, cmdUtil.WrapString("Value size in bytes for each mutation"))

	key = "duration"
	PressureCmd.PersistentFlags().Int(key, 30, cmdUtil.WrapString("How long to run the workload (in seconds)"))

	key = "ttl-every"
	PressureCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Give every Nth mutation a TTL so the expiry pager has work. 0 disables TTLs"))

	key = "ttl"
	PressureCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("TTL in seconds for mutations selected by ttl-every"))

	key = "get-pcnt"
	PressureCmd.PersistentFlags().Int(key, 20, cmdUtil.WrapString("Percentage of operations that are reads instead of writes"))

	key = "hot-key-pcnt"
	PressureCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Percentage of the key space that reads concentrate on. A small hot set builds up the frequency histogram the hifi_mfu policy evicts against"))

	key = "log-level"
	PressureCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts it to the bucket configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	pressureCmdConfig.MaxSize = viper.GetUint64("max-size")
	pressureCmdConfig.MemLowWat = viper.GetUint64("mem-low-wat")
	pressureCmdConfig.MemHighWat = viper.GetUint64("mem-high-wat")
	pressureCmdConfig.HtEvictionPolicy = config.EvictionPolicy(viper.GetString("ht-eviction-policy"))
	pressureCmdConfig.BucketType = config.BucketType(viper.GetString("bucket-type"))
	pressureCmdConfig.EphemeralFullPolicy = config.EphemeralFullPolicy(viper.GetString("ephemeral-full-policy"))
	pressureCmdConfig.ItemEvictionAgePercentage = viper.GetUint64("item-eviction-age-percentage")
	pressureCmdConfig.ItemEvictionFreqCounterAgeThreshold = viper.GetUint64("item-eviction-freq-counter-age-threshold")
	pressureCmdConfig.ExpPagerStime = viper.GetUint64("exp-pager-stime")
	pressureCmdConfig.PagerActiveVbPcnt = viper.GetUint64("pager-active-vb-pcnt")

	// workload parameters
	pressureVBuckets = viper.GetInt("vbuckets")
	pressureKeySpread = viper.GetInt("keys")
	pressureValueSize = viper.GetInt("value-size")
	pressureDuration = time.Duration(viper.GetInt("duration")) * time.Second
	pressureTTLEvery = viper.GetInt("ttl-every")
	pressureTTL = uint32(viper.GetInt("ttl"))
	pressureGetPcnt = viper.GetInt("get-pcnt")
	pressureHotKeyPcnt = viper.GetInt("hot-key-pcnt")

	if pressureVBuckets < 1 {
		return fmt.Errorf("vbuckets must be at least 1, got %d", pressureVBuckets)
	}
	if pressureKeySpread < 1 {
		return fmt.Errorf("keys must be at least 1, got %d", pressureKeySpread)
	}
	if pressureGetPcnt < 0 || pressureGetPcnt > 100 {
		return fmt.Errorf("get-pcnt must be between 0 and 100, got %d", pressureGetPcnt)
	}
	if pressureHotKeyPcnt < 1 || pressureHotKeyPcnt > 100 {
		return fmt.Errorf("hot-key-pcnt must be between 1 and 100, got %d", pressureHotKeyPcnt)
	}

	return nil
}

// run drives the synthetic workload and prints the paging statistics
func run(_ *cobra.Command, _ []string) error {
	// initialize logging
	if err := logging.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	// create the bucket (bucket.New validates pressureCmdConfig)
	b, err := bucket.New(&bucket.Options{
		Config: pressureCmdConfig,
		Name:   "pressure",
	})
	if err != nil {
		return err
	}
	defer b.Close()

	for i := 0; i < pressureVBuckets; i++ {
		b.SetVBucketState(i, vbucket.StateActive)
	}

	// print configuration
	fmt.Println("Memory pressure workload")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Quota:       %d bytes (low wat %d, high wat %d)\n",
		b.Monitor().MaxSize(), b.Monitor().LowWat(), b.Monitor().HighWat())
	fmt.Printf("Policy:      %s (%s)\n", b.Config().HtEvictionPolicy(), b.Config().BucketType())
	fmt.Printf("VBuckets:    %d\n", pressureVBuckets)
	fmt.Printf("Keys:        %d x %d bytes\n", pressureKeySpread, pressureValueSize)
	fmt.Printf("Duration:    %s\n", pressureDuration)
	fmt.Println()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	value := make([]byte, pressureValueSize)
	rng.Read(value)

	hotKeys := pressureKeySpread * pressureHotKeyPcnt / 100
	if hotKeys < 1 {
		hotKeys = 1
	}

	var sets, gets, tmpFails, wouldBlocks, notFound uint64
	deadline := time.Now().Add(pressureDuration)

	for op := 0; time.Now().Before(deadline); op++ {
		if pressureGetPcnt > 0 && rng.Intn(100) < pressureGetPcnt {
			// reads concentrate on the hot set
			keyIdx := rng.Intn(hotKeys)
			key := fmt.Sprintf("doc-%d", keyIdx)
			_, _, err := b.Get(keyIdx%pressureVBuckets, key)
			switch err {
			case nil:
			case bucket.ErrKeyNotFound:
				notFound++
			case bucket.ErrWouldBlock:
				// a background fetch is restoring the value
				wouldBlocks++
			default:
				return fmt.Errorf("get failed: %w", err)
			}
			gets++
			continue
		}

		keyIdx := rng.Intn(pressureKeySpread)
		key := fmt.Sprintf("doc-%d", keyIdx)

		var expiry uint32
		if pressureTTLEvery > 0 && op%pressureTTLEvery == 0 {
			expiry = uint32(time.Now().Unix()) + pressureTTL
		}

		err := b.Set(keyIdx%pressureVBuckets, key, value, expiry)
		switch err {
		case nil:
			sets++
		case mem.ErrTemporaryFailure:
			// quota reached, give the pagers room to work
			tmpFails++
			time.Sleep(10 * time.Millisecond)
		default:
			return fmt.Errorf("set failed: %w", err)
		}
	}

	// report
	fmt.Println("Workload complete")
	fmt.Println()
	fmt.Printf("%-24s%d\n", "sets", sets)
	fmt.Printf("%-24s%d\n", "gets", gets)
	fmt.Printf("%-24s%d\n", "get misses", notFound)
	fmt.Printf("%-24s%d\n", "get would-block", wouldBlocks)
	fmt.Printf("%-24s%d\n", "temp failures", tmpFails)
	fmt.Printf("%-24s%d\n", "items", b.NumItems())
	fmt.Printf("%-24s%d\n", "non-resident items", b.NumNonResidentItems())
	fmt.Printf("%-24s%d / %d\n", "mem used / quota", b.Monitor().Estimated(), b.Monitor().MaxSize())
	fmt.Println()
	fmt.Println("Engine counters:")
	b.Stats().WritePrometheus(os.Stdout)

	return nil
}

// initConfig reads in ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("kvengine")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
