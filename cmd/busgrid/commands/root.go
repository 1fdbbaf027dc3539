package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// RootCmd is the root command for busgrid
var RootCmd = &cobra.Command{
	Use:          "busgrid",
	Short:        "slot host grid server",
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(
		NewServeCmd(),
		NewInspectCmd(),
		NewReplayCmd(),
	)
}

func newLogger(level, format, file string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Out = out

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger.Level = lvl

	switch format {
	case "json":
		logger.Formatter = &logrus.JSONFormatter{}
	default:
		logger.Formatter = &prefixed.TextFormatter{FullTimestamp: true}
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Warn("cannot open log file, logging to stderr only")
		} else {
			_ = f.Close()
			logger.Hooks.Add(lfshook.NewHook(file, &logrus.JSONFormatter{}))
		}
	}
	return logger, nil
}
