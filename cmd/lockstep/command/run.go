package command

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/meshforge/lockstep/src/dummy"
	"github.com/meshforge/lockstep/src/lockstep"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts a node with the demo grid world.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a lockstep node",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlagsLoadViper(cmd)
		},
		RunE: runLockstep,
	}

	addRunFlags(cmd)

	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("datadir", "d", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().Bool("log-to-file", _config.LogToFile, "Mirror logs into <datadir>/lockstep.log")
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the peer transport")
	cmd.Flags().String("advertise", _config.AdvertiseAddr, "Advertise IP:Port to other peers")
	cmd.Flags().StringP("transport", "t", _config.Transport, "Transport: tcp, ws, or inmem")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP API service")
	cmd.Flags().String("moniker", _config.Moniker, "Friendly name of this node")
	cmd.Flags().String("node-id", _config.NodeID, "Stable peer ID (generated when empty)")
	cmd.Flags().Bool("journal", _config.Journal, "Record the match journal")
	cmd.Flags().String("journal-dir", _config.JournalDir, "Directory for the journal database")

	cmd.Flags().Int("tick-rate", _config.NodeConfig.TickRate, "Target ticks per second")
	cmd.Flags().Int("max-prediction-frames", _config.NodeConfig.MaxPredictionFrames, "Rollback budget in frames")
	cmd.Flags().Int("input-delay-frames", _config.NodeConfig.InputDelayFrames, "Local input scheduling delay")
	cmd.Flags().Int("senders-per-partition", _config.NodeConfig.SendersPerPartition, "Delta redundancy factor")
	cmd.Flags().Int("snapshot-interval", _config.NodeConfig.SnapshotInterval, "Frames between ring snapshots")
	cmd.Flags().Uint64("hash-window", _config.NodeConfig.HashWindow, "Frames of hash retention")
	cmd.Flags().Uint64("ack-window", _config.NodeConfig.AckWindow, "Frames to wait for hash majority")
	cmd.Flags().Uint64("ping-interval", _config.NodeConfig.PingInterval, "Frames between pings")
	cmd.Flags().Duration("resync-timeout", _config.NodeConfig.ResyncTimeout, "Snapshot wait before re-request")
	cmd.Flags().Int("resync-retries", _config.NodeConfig.ResyncRetries, "Snapshot re-requests before giving up")
}

func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetConfigName("lockstep")
	viper.AddConfigPath(viper.GetString("datadir"))

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().WithField("file", viper.ConfigFileUsed()).Debug("Reading configuration")
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debug("No config file found")
	} else {
		return err
	}

	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	_config.SetDataDir(viper.GetString("datadir"))

	return nil
}

func runLockstep(cmd *cobra.Command, args []string) error {
	_config.Logger().WithFields(logrus.Fields{
		"listen":    _config.BindAddr,
		"transport": _config.Transport,
		"service":   _config.ServiceAddr,
		"tick-rate": _config.NodeConfig.TickRate,
		"journal":   _config.Journal,
	}).Debug("RUN")

	engine := lockstep.NewLockstep(_config, dummy.NewState())

	if err := engine.Init(); err != nil {
		_config.Logger().WithError(err).Error("Cannot initialize engine")
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Shutdown()
	}()

	engine.Run()

	return nil
}
