// Package flags configures the logging flags shared by every binary in
// this module.
package flags

import (
	"flag"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"k8s.io/klog/v2"
)

// ConfigureAndParse adds the flags common to this module's binaries to
// cmd, parses args, and configures the log package accordingly. It must
// be called after all other flags have been registered on cmd.
func ConfigureAndParse(cmd *flag.FlagSet, args []string) (logLevel, logFormat *string) {
	var klogFlags flag.FlagSet
	klog.InitFlags(&klogFlags)
	klogFlags.Set("stderrthreshold", "FATAL")
	klogFlags.Set("logtostderr", "false")

	logLevel = cmd.String("log-level", log.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug, trace")
	logFormat = cmd.String("log-format", "plain", "log format, must be one of: plain, json")

	cmd.Parse(args)

	configureLogLevel(*logLevel)
	configureLogFormat(*logFormat)

	return logLevel, logFormat
}

func configureLogLevel(logLevel string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("invalid log-level: %s", logLevel)
	}
	log.SetLevel(level)

	klog.SetOutput(io.Discard)
	if level == log.DebugLevel || level == log.TraceLevel {
		// klog only recognizes its own severities; route it to stderr at
		// INFO once we're logging below INFO ourselves, or klog output
		// vanishes entirely. See kubernetes/klog#23.
		klog.SetOutputBySeverity("INFO", os.Stderr)
	}
}

func configureLogFormat(logFormat string) {
	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
