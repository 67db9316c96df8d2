// Package cmn provides common low-level types and utilities for all blnode packages.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package cmn

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config is the node startup configuration, read from a key=value file
// ('#' starts a comment, keys and values are whitespace-trimmed).
type Config struct {
	MasterIP   string
	MasterPort int
	ClientUID  string
	Token      string

	ServerIP   string
	ServerPort int

	KeepaliveInterval        time.Duration
	NodeStatusReportInterval time.Duration

	LogFilePath string

	// optional
	MetricsPort       int    // 0 disables the Prometheus listener
	StatusReportEvent string // EvBloomFilterStatus (default) or EvNodeStatus
}

const DfltConfigPath = "./config.txt"

// LoadConfig reads and validates the configuration file. A missing required
// key fails with an error naming the key.
func LoadConfig(path string) (*Config, error) {
	kv, err := parseKVFile(path)
	if err != nil {
		return nil, err
	}

	conf := &Config{StatusReportEvent: EvBloomFilterStatus}
	if conf.MasterIP, err = reqStr(kv, "master_ip"); err != nil {
		return nil, err
	}
	if conf.MasterPort, err = reqPort(kv, "master_port"); err != nil {
		return nil, err
	}
	if conf.ClientUID, err = reqStr(kv, "client_uid"); err != nil {
		return nil, err
	}
	if conf.Token, err = reqStr(kv, "token"); err != nil {
		return nil, err
	}
	if conf.ServerIP, err = reqStr(kv, "server_ip"); err != nil {
		return nil, err
	}
	if conf.ServerPort, err = reqPort(kv, "server_port"); err != nil {
		return nil, err
	}
	if conf.KeepaliveInterval, err = reqSeconds(kv, "keepalive_interval"); err != nil {
		return nil, err
	}
	if conf.NodeStatusReportInterval, err = reqSeconds(kv, "node_status_report_interval"); err != nil {
		return nil, err
	}
	if conf.LogFilePath, err = reqStr(kv, "log_file_path"); err != nil {
		return nil, err
	}

	if v, ok := kv["metrics_port"]; ok {
		if conf.MetricsPort, err = parsePort("metrics_port", v); err != nil {
			return nil, err
		}
	}
	if v, ok := kv["status_report_event"]; ok {
		if v != EvBloomFilterStatus && v != EvNodeStatus {
			return nil, errors.Wrapf(ErrInvalidArgument,
				"status_report_event must be %q or %q, got %q", EvBloomFilterStatus, EvNodeStatus, v)
		}
		conf.StatusReportEvent = v
	}
	return conf, nil
}

func parseKVFile(path string) (map[string]string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIo, "open config %q: %v", path, err)
	}
	defer fh.Close()

	kv := make(map[string]string)
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(ErrIo, "read config %q: %v", path, err)
	}
	return kv, nil
}

func reqStr(kv map[string]string, key string) (string, error) {
	v, ok := kv[key]
	if !ok || v == "" {
		return "", errors.Wrapf(ErrInvalidArgument, "missing required config key %q", key)
	}
	return v, nil
}

func reqPort(kv map[string]string, key string) (int, error) {
	v, err := reqStr(kv, key)
	if err != nil {
		return 0, err
	}
	return parsePort(key, v)
}

func parsePort(key, v string) (int, error) {
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return 0, errors.Wrapf(ErrInvalidArgument, "config key %q: invalid port %q", key, v)
	}
	return port, nil
}

func reqSeconds(kv map[string]string, key string) (time.Duration, error) {
	v, err := reqStr(kv, key)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "config key %q: invalid interval %q", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}
