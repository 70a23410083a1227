package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"net/http"
	_ "net/http/pprof" // no_lint
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/esa/nmf-mission-ops-sat-sub001/internal/pathutil"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/node"
)

const defaultShutdownTimeout = node.Duration(10 * time.Second)

var log = logging.MustGetLogger("cfp-node")

type runCfg struct {
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	profileMode  string
	port         string
	args         []string

	profileStop  func()
	logger       *logging.Logger
	masterLogger *logging.MasterLogger
	conf         *node.Config
	node         *node.Node
	cancel       context.CancelFunc
	errCh        chan error
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "cfp-node [config-path]",
	Short: "CAN Fragmentation Protocol node",
	Run: func(_ *cobra.Command, args []string) {
		cfg.args = args

		cfg.startProfiler().
			startLogger().
			readConfig().
			runNode().
			waitOsSignals().
			stopNode()
	},
	Version: node.Version,
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "cfp", "logging tag")
	rootCmd.Flags().BoolVarP(&cfg.cfgFromStdin, "stdin", "i", false, "read config from STDIN")
	rootCmd.Flags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode:  none or one of: [cpu, mem, mutex, block, trace, http]")
	rootCmd.Flags().StringVarP(&cfg.port, "port", "", "6060", "port for http-mode of pprof")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startProfiler() *runCfg {
	var option func(*profile.Profile)
	switch cfg.profileMode {
	case "none":
		cfg.profileStop = func() {}
		return cfg
	case "http":
		go func() {
			log.Println(http.ListenAndServe(fmt.Sprintf("localhost:%v", cfg.port), nil))
		}()
		cfg.profileStop = func() {}
		return cfg
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "mutex":
		option = profile.MutexProfile
	case "block":
		option = profile.BlockProfile
	case "trace":
		option = profile.TraceProfile
	default:
		log.Fatalf("Unknown profile mode %q", cfg.profileMode)
	}
	cfg.profileStop = profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
	return cfg
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.masterLogger = logging.NewMasterLogger()
	cfg.logger = cfg.masterLogger.PackageLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			cfg.masterLogger.AddHook(hook)
			cfg.masterLogger.Out = ioutil.Discard
		}
	}
	return cfg
}

func (cfg *runCfg) readConfig() *runCfg {
	var rdr io.Reader
	if !cfg.cfgFromStdin {
		configPath, err := pathutil.FindConfigPath(cfg.args, 0, pathutil.ConfigEnv, pathutil.CFPDefaults())
		if err != nil {
			cfg.logger.Fatal(err)
		}
		f, err := os.Open(configPath) // nolint: gosec
		if err != nil {
			cfg.logger.Fatalf("Failed to open config: %s", err)
		}
		defer f.Close() // nolint: errcheck
		rdr = f
	} else {
		cfg.logger.Info("Reading config from STDIN")
		rdr = bufio.NewReader(os.Stdin)
	}

	conf, err := node.ReadConfig(rdr)
	if err != nil {
		cfg.logger.Fatalf("Failed to read config: %s", err)
	}
	lvl, err := logging.LevelFromString(conf.LogLevel)
	if err != nil {
		cfg.logger.Fatalf("Invalid log level: %s", err)
	}
	cfg.masterLogger.SetLevel(lvl)
	cfg.conf = conf
	return cfg
}

func (cfg *runCfg) runNode() *runCfg {
	n, err := node.NewNode(cfg.conf, cfg.masterLogger)
	if err != nil {
		cfg.logger.Fatal("Failed to initialize node: ", err)
	}

	var ctx context.Context
	ctx, cfg.cancel = context.WithCancel(context.Background())
	cfg.errCh = make(chan error, 1)
	go func() {
		cfg.errCh <- n.Start(ctx)
	}()

	if cfg.conf.ShutdownTimeout == 0 {
		cfg.conf.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.node = n
	return cfg
}

func (cfg *runCfg) stopNode() *runCfg {
	defer cfg.profileStop()
	cfg.cancel()
	if err := cfg.node.Close(); err != nil {
		cfg.logger.Fatal("Failed to close node: ", err)
	}
	return cfg
}

func (cfg *runCfg) waitOsSignals() *runCfg {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
	select {
	case s := <-ch:
		cfg.logger.Infof("Received signal %s: shutting down", s)
	case err := <-cfg.errCh:
		if err != nil {
			cfg.logger.Error("Node stopped: ", err)
		}
	}
	go func() {
		select {
		case <-time.After(time.Duration(cfg.conf.ShutdownTimeout)):
			cfg.logger.Fatal("Timeout reached: terminating")
		case s := <-ch:
			cfg.logger.Fatalf("Received signal %s: terminating", s)
		}
	}()
	return cfg
}
