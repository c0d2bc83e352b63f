// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// logfs mounts an access-logging passthrough filesystem over an
// existing directory. Every open, close, read and write performed
// through the mountpoint is appended as one fixed-width record to the
// access log (standard output by default).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/moby/sys/mountinfo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/crc-fonda/logfs/accesslog"
	"github.com/crc-fonda/logfs/logfs"
	"github.com/crc-fonda/logfs/pollmux"
)

const version = "0.2.0"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("logfs failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "logfs [flags] <mountpoint>",
		Short:         "mount an access-logging passthrough filesystem",
		SilenceUsage:  false,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if cfgFile := v.GetString("config"); cfgFile != "" {
				v.SetConfigFile(cfgFile)
				v.SetConfigType("yaml")
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			if v.GetBool("version") {
				fmt.Printf("logfs version %s (go-fuse %s)\n", version, fuseVersion())
				return nil
			}
			if len(args) != 1 {
				cmd.Usage()
				return fmt.Errorf("missing mountpoint")
			}
			return run(args[0], v)
		},
	}

	flags := cmd.Flags()
	flags.BoolP("foreground", "f", false, "stay in the foreground")
	flags.BoolP("single-threaded", "s", false, "serve requests on a single thread")
	flags.BoolP("version", "V", false, "print version information and exit")
	flags.Bool("debug", false, "log the request stream")
	flags.StringSliceP("options", "o", nil, "extra mount options")
	flags.String("log-file", "", "write access records to this file instead of stdout")
	flags.Int("log-file-size-mb", 1024, "rotate the access log after this many megabytes")
	flags.Bool("cpu-times", false, "record per-process CPU times for every event")
	flags.String("config", "", "YAML config file")
	return cmd
}

func fuseVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == "github.com/hanwen/go-fuse/v2" {
				return dep.Version
			}
		}
	}
	return "unknown"
}

func run(mountpoint string, v *viper.Viper) error {
	if v.GetBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if mounted, err := mountinfo.Mounted(mountpoint); err != nil {
		return fmt.Errorf("inspect mountpoint: %w", err)
	} else if mounted {
		return fmt.Errorf("%s is already a mountpoint", mountpoint)
	}

	// Without --foreground, hand off to a daemonized copy of
	// ourselves and wait for it to report a successful mount.
	if !v.GetBool("foreground") {
		path, err := os.Executable()
		if err != nil {
			return fmt.Errorf("find own executable: %w", err)
		}
		args := append([]string{"--foreground"}, os.Args[1:]...)
		if err := daemonize.Run(path, args, os.Environ(), os.Stdout); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		return nil
	}

	var sink io.Writer = os.Stdout
	if logFile := v.GetString("log-file"); logFile != "" {
		sink = &lumberjack.Logger{
			Filename: logFile,
			MaxSize:  v.GetInt("log-file-size-mb"),
		}
	}
	logger, err := accesslog.New(accesslog.Options{
		Sink:     sink,
		CPUTimes: v.GetBool("cpu-times"),
	})
	if err != nil {
		// Startup cannot proceed without a usable clock pair.
		logrus.WithError(err).Fatal("initialize clock")
	}

	mux, err := pollmux.Start()
	if err != nil {
		return fmt.Errorf("start poll multiplexer: %w", err)
	}

	// The mountpoint must be opened before the kernel mounts over
	// it; that descriptor is the root of the mirrored tree.
	fs, err := logfs.New(mountpoint, logger, mux)
	if err != nil {
		mux.Kill(false)
		return fmt.Errorf("open mountpoint: %w", err)
	}

	sess, err := logfs.Mount(mountpoint, fs, &logfs.MountConfig{
		Debug:          v.GetBool("debug"),
		SingleThreaded: v.GetBool("single-threaded"),
		Options:        v.GetStringSlice("options"),
	})
	if err != nil {
		fs.Destroy()
		return err
	}
	logrus.WithField("mountpoint", mountpoint).Debug("mounted")

	// Tell a waiting parent that the mount is up. Outside a
	// daemonized run this has nobody to talk to and fails, which is
	// fine.
	daemonize.SignalOutcome(nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sess.Run(ctx)
}
