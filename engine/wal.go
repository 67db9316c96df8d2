// Package engine implements the time-sliced bloom filter blacklist.
//
// This file is the persistence side: every accepted revocation is appended
// to an hourly log file <logDir>/<hourlyTimestamp>.txt as "token,expTime"
// lines, and a restarted node replays the last 24 hourly files to rebuild
// its in-memory state.
/*
 * Copyright (c) 2025-2026, Blnode Authors. All rights reserved.
 */
package engine

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jwtrevoker/blnode/cmn"
	"github.com/jwtrevoker/blnode/stats"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Observed size of one ASCII log line; used only for replay progress.
const logLineBytes = 49

const logRetentionHours = 24

// LogRevoke enqueues one record for the log writer. Best-effort: the
// in-memory filter is authoritative within the current process, and the same
// retention window applies so that a rejected insert is never persisted.
func (e *Engine) LogRevoke(token string, expTime int64) {
	now := timeNow().Unix()
	remaining := expTime - now
	e.mu.RLock()
	maxLife := e.params.MaxJwtLifeTime
	e.mu.RUnlock()
	if remaining <= 0 || remaining > maxLife {
		return
	}
	e.logQ.Enqueue(token + "," + strconv.FormatInt(expTime, 10) + "\n")
}

// logWorker drains the log queue into the current hour's file, rolling the
// handle when the hour changes. Write errors are counted and swallowed.
func (e *Engine) logWorker() {
	defer e.wg.Done()
	var (
		fh      *os.File
		curHour int64
	)
	defer func() {
		if fh != nil {
			fh.Close()
		}
	}()
	for {
		line, ok := e.logQ.Dequeue()
		if !ok {
			return
		}
		hour := cmn.HourlyTimestamp(timeNow())
		if fh == nil || hour != curHour {
			if fh != nil {
				fh.Close()
			}
			var err error
			fh, err = os.OpenFile(e.hourFilePath(hour), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				stats.LogWriteErrorsTotal.Inc()
				logrus.Errorf("revocation log: open %s: %v", e.hourFilePath(hour), err)
				continue
			}
			curHour = hour
		}
		if _, err := fh.WriteString(line); err != nil {
			stats.LogWriteErrorsTotal.Inc()
			logrus.Errorf("revocation log: append: %v", err)
			fh.Close()
			fh = nil
		}
	}
}

// recoverFromLog bounds on-disk state to one day, then replays the
// surviving files into the ring. Runs before the workers start.
func (e *Engine) recoverFromLog() {
	files, totalSize := e.recentLogFiles()
	e.pruneStaleFiles(files)
	if len(files) == 0 {
		return
	}
	var readBytes int64
	e.replayFiles(files, func(token string, expTime int64) {
		insertInto(e.ring, e.params, token, expTime)
		readBytes += logLineBytes
		if readBytes%(logLineBytes*10000) == 0 && totalSize > 0 {
			logrus.Infof("recovery: %.0f%%", float64(readBytes)/float64(totalSize)*100)
		}
	})
	logrus.Infof("recovery done, about %d records replayed", totalSize/logLineBytes)
}

// replayLog feeds every record of the retained log files to insert; used by
// AdjustParameters to populate a rebuilt ring.
func (e *Engine) replayLog(insert func(token string, expTime int64)) {
	files, _ := e.recentLogFiles()
	e.replayFiles(files, insert)
}

func (e *Engine) replayFiles(files []string, insert func(token string, expTime int64)) {
	for _, path := range files {
		fh, err := os.Open(path)
		if err != nil {
			logrus.Errorf("recovery: open %s: %v", path, err)
			continue
		}
		scanner := bufio.NewScanner(fh)
		for scanner.Scan() {
			token, expTime, err := parseLogLine(scanner.Text())
			if err != nil {
				// a torn or corrupt line loses one record, not the file
				continue
			}
			insert(token, expTime)
		}
		if err := scanner.Err(); err != nil {
			logrus.Errorf("recovery: read %s: %v", path, err)
		}
		fh.Close()
	}
}

// recentLogFiles returns the existing hourly files for the 24 hours ending
// at the current one, oldest first, plus their total size.
func (e *Engine) recentLogFiles() (files []string, totalSize int64) {
	hour := cmn.HourlyTimestamp(timeNow())
	for i := 0; i < logRetentionHours; i++ {
		path := e.hourFilePath(hour - int64(i)*3600)
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			files = append(files, path)
			totalSize += fi.Size()
		}
	}
	// chronological order
	for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
		files[i], files[j] = files[j], files[i]
	}
	return files, totalSize
}

// pruneStaleFiles deletes every file in the log directory that is not one of
// the retained hourly files.
func (e *Engine) pruneStaleFiles(keep []string) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		keepSet[filepath.Base(p)] = struct{}{}
	}
	entries, err := os.ReadDir(e.logDir)
	if err != nil {
		logrus.Errorf("recovery: read log dir %s: %v", e.logDir, err)
		return
	}
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			continue
		}
		if _, ok := keepSet[ent.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(e.logDir, ent.Name())); err != nil {
			logrus.Errorf("recovery: remove %s: %v", ent.Name(), err)
		}
	}
}

// StreamHourLog emits every still-live record of one hourly file. A missing
// or unreadable file is not an error - the stream is simply empty.
func (e *Engine) StreamHourLog(hourlyTimestamp int64, emit func(token, expTime string) error) error {
	fh, err := os.Open(e.hourFilePath(hourlyTimestamp))
	if err != nil {
		return nil
	}
	defer fh.Close()
	return e.streamLive(fh, emit)
}

// StreamRecentLog emits every still-live record of the retained 24-hour
// window, oldest file first. Used when this node turns slave and hands its
// history to the proxy.
func (e *Engine) StreamRecentLog(emit func(token, expTime string) error) error {
	files, _ := e.recentLogFiles()
	for _, path := range files {
		fh, err := os.Open(path)
		if err != nil {
			logrus.Errorf("log stream: open %s: %v", path, err)
			continue
		}
		err = e.streamLive(fh, emit)
		fh.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) streamLive(fh *os.File, emit func(token, expTime string) error) error {
	now := timeNow().Unix()
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		token, expTime, err := parseLogLine(scanner.Text())
		if err != nil {
			continue
		}
		if expTime <= now {
			continue
		}
		if err := emit(token, strconv.FormatInt(expTime, 10)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (e *Engine) hourFilePath(hour int64) string {
	return filepath.Join(e.logDir, strconv.FormatInt(hour, 10)+".txt")
}

func parseLogLine(line string) (token string, expTime int64, err error) {
	token, expStr, found := strings.Cut(line, ",")
	if !found || token == "" {
		return "", 0, errors.Wrapf(cmn.ErrProtocol, "malformed log line %q", line)
	}
	expTime, err = strconv.ParseInt(strings.TrimSpace(expStr), 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(cmn.ErrProtocol, "malformed expiry in log line %q", line)
	}
	return token, expTime, nil
}
