// Package cmn provides common low-level types and utilities for all blnode packages.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package cmn_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/jwtrevoker/blnode/tools/tassert"
	"github.com/pkg/errors"
)

const fullConfig = `
# control plane
master_ip   = 127.0.0.1
master_port = 9000
client_uid  = node-0001
token       = s3cr3t

server_ip   = 0.0.0.0
server_port = 7000    # query port

keepalive_interval          = 10
node_status_report_interval = 30
log_file_path               = /tmp/blnode-logs
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.txt")
	tassert.CheckFatal(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	conf, err := cmn.LoadConfig(writeConfig(t, fullConfig))
	tassert.CheckFatal(t, err)

	tassert.Errorf(t, conf.MasterIP == "127.0.0.1", "master_ip = %q", conf.MasterIP)
	tassert.Errorf(t, conf.MasterPort == 9000, "master_port = %d", conf.MasterPort)
	tassert.Errorf(t, conf.ClientUID == "node-0001", "client_uid = %q", conf.ClientUID)
	tassert.Errorf(t, conf.Token == "s3cr3t", "token = %q", conf.Token)
	tassert.Errorf(t, conf.ServerPort == 7000, "server_port = %d", conf.ServerPort)
	tassert.Errorf(t, conf.KeepaliveInterval == 10*time.Second, "keepalive_interval = %v", conf.KeepaliveInterval)
	tassert.Errorf(t, conf.NodeStatusReportInterval == 30*time.Second,
		"node_status_report_interval = %v", conf.NodeStatusReportInterval)
	tassert.Errorf(t, conf.LogFilePath == "/tmp/blnode-logs", "log_file_path = %q", conf.LogFilePath)

	// defaults
	tassert.Errorf(t, conf.MetricsPort == 0, "metrics_port = %d", conf.MetricsPort)
	tassert.Errorf(t, conf.StatusReportEvent == cmn.EvBloomFilterStatus,
		"status_report_event = %q", conf.StatusReportEvent)
}

func TestLoadConfigMissingKeyNamesIt(t *testing.T) {
	required := []string{
		"master_ip", "master_port", "client_uid", "token",
		"server_ip", "server_port", "keepalive_interval",
		"node_status_report_interval", "log_file_path",
	}
	for _, missing := range required {
		var sb strings.Builder
		for _, line := range strings.Split(fullConfig, "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), missing) {
				sb.WriteString(line + "\n")
			}
		}
		_, err := cmn.LoadConfig(writeConfig(t, sb.String()))
		tassert.Fatalf(t, err != nil, "expected error with %q removed", missing)
		tassert.Errorf(t, errors.Is(err, cmn.ErrInvalidArgument), "wrong error kind: %v", err)
		tassert.Errorf(t, strings.Contains(err.Error(), missing),
			"error %q does not name the missing key %q", err, missing)
	}
}

func TestLoadConfigOptionalKeys(t *testing.T) {
	conf, err := cmn.LoadConfig(writeConfig(t, fullConfig+`
metrics_port        = 9100
status_report_event = node_status
`))
	tassert.CheckFatal(t, err)
	tassert.Errorf(t, conf.MetricsPort == 9100, "metrics_port = %d", conf.MetricsPort)
	tassert.Errorf(t, conf.StatusReportEvent == cmn.EvNodeStatus,
		"status_report_event = %q", conf.StatusReportEvent)

	_, err = cmn.LoadConfig(writeConfig(t, fullConfig+"status_report_event = bogus\n"))
	tassert.Fatalf(t, errors.Is(err, cmn.ErrInvalidArgument), "expected invalid argument, got %v", err)
}

func TestLoadConfigBadValues(t *testing.T) {
	for _, repl := range []struct{ key, val string }{
		{"master_port", "0"},
		{"master_port", "70000"},
		{"server_port", "web"},
		{"keepalive_interval", "-5"},
		{"node_status_report_interval", "0"},
	} {
		content := strings.ReplaceAll(fullConfig, repl.key+" ", repl.key+"_off ") // drop the valid line
		content += "\n" + repl.key + " = " + repl.val + "\n"
		_, err := cmn.LoadConfig(writeConfig(t, content))
		tassert.Errorf(t, errors.Is(err, cmn.ErrInvalidArgument),
			"%s=%s: expected invalid argument, got %v", repl.key, repl.val, err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := cmn.LoadConfig(filepath.Join(t.TempDir(), "nope.txt"))
	tassert.Fatalf(t, errors.Is(err, cmn.ErrIo), "expected io error, got %v", err)
}
