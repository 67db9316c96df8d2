// Package main is the blnode entry point: load the config, join the master
// control plane, start the scheduler and the query server, and run until a
// signal or an unrecoverable session error.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/jwtrevoker/blnode/node"
	"github.com/jwtrevoker/blnode/stats"
	"github.com/sirupsen/logrus"
)

var build = "1.0.0"

func main() {
	confPath := flag.String("c", cmn.DfltConfigPath, "path to the node configuration file")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	conf, err := cmn.LoadConfig(*confPath)
	if err != nil {
		logrus.Fatalf("startup: %v", err)
	}
	logrus.Infof("blnode %s starting: master=%s:%d, server=%s:%d, log_dir=%s",
		build, conf.MasterIP, conf.MasterPort, conf.ServerIP, conf.ServerPort, conf.LogFilePath)

	if conf.MetricsPort > 0 {
		stats.StartServer(conf.MetricsPort)
		logrus.Infof("prometheus metrics on :%d/metrics", conf.MetricsPort)
	}

	session := node.NewMasterSession(conf)
	if err := session.Start(); err != nil {
		logrus.Fatalf("startup: %v", err)
	}

	sched, err := node.NewScheduler(conf, session)
	if err != nil {
		session.Stop()
		logrus.Fatalf("startup: %v", err)
	}

	srv := node.NewServer(conf, sched)
	if err := srv.Start(); err != nil {
		session.Stop()
		sched.Stop()
		logrus.Fatalf("startup: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logrus.Infof("received %v, shutting down", sig)
	case err := <-session.Fatal():
		logrus.Errorf("master session: %v", err)
		exitCode = 1
	}

	srv.Stop()
	session.Stop()
	sched.Stop()
	logrus.Infof("blnode stopped")
	os.Exit(exitCode)
}
