// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package audit persists policy decisions to a tamper-evident hash-chained
// log: newline-delimited JSON, one file per UTC day, rotated by size. Each
// entry's hash is SHA-256(prev_hash || canonical-JSON(entry)); the chain
// restarts at prev_hash "0" in every new file.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"datatrust/platform/policy"
	"datatrust/platform/shared/logger"
)

const (
	genesisHash         = "0"
	defaultMaxFileBytes = 10 * 1024 * 1024
	defaultRemoteWait   = 5 * time.Second
)

// Entry is one chained decision record as stored on disk.
type Entry struct {
	policy.Decision
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Options tune the chain log. Zero values take the defaults.
type Options struct {
	MaxFileBytes int64
	RemoteURL    string // optional best-effort HTTP mirror
	RemoteWait   time.Duration
}

// Status reports sink health for the admin endpoint. Mirror failures mark
// the sink degraded but never alter decisions.
type Status struct {
	Healthy     bool       `json:"healthy"`
	Entries     int64      `json:"entries"`
	CurrentFile string     `json:"current_file,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
	RemoteOK    bool       `json:"remote_ok"`
}

// ChainLog is the append-only decision sink.
type ChainLog struct {
	dir          string
	maxFileBytes int64
	remoteURL    string
	client       *http.Client
	log          *logger.Logger

	mu       sync.Mutex
	curDate  string
	curIndex int
	curSize  int64
	lastHash string
	status   Status

	now func() time.Time
}

// New opens (or creates) the chain log directory and recovers the chain
// position of today's newest file so appends continue the existing chain.
func New(dir string, opts Options) (*ChainLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create policy audit dir: %w", err)
	}
	c := &ChainLog{
		dir:          dir,
		maxFileBytes: opts.MaxFileBytes,
		remoteURL:    opts.RemoteURL,
		log:          logger.New("policy-audit"),
		lastHash:     genesisHash,
		status:       Status{Healthy: true, RemoteOK: true},
		now:          time.Now,
	}
	if c.maxFileBytes <= 0 {
		c.maxFileBytes = defaultMaxFileBytes
	}
	wait := opts.RemoteWait
	if wait <= 0 {
		wait = defaultRemoteWait
	}
	c.client = &http.Client{Timeout: wait}

	if err := c.recover(); err != nil {
		return nil, err
	}
	return c, nil
}

func fileName(date string, index int) string {
	if index == 0 {
		return date + ".ndjson"
	}
	return fmt.Sprintf("%s-%d.ndjson", date, index)
}

// recover locates today's newest rotation file and replays its last line to
// pick up the chain hash.
func (c *ChainLog) recover() error {
	c.curDate = c.now().UTC().Format("2006-01-02")
	c.curIndex = 0
	for {
		next := filepath.Join(c.dir, fileName(c.curDate, c.curIndex+1))
		if _, err := os.Stat(next); err != nil {
			break
		}
		c.curIndex++
	}
	path := filepath.Join(c.dir, fileName(c.curDate, c.curIndex))
	info, err := os.Stat(path)
	if err != nil {
		return nil // fresh day
	}
	c.curSize = info.Size()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("recover policy audit chain: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lastLine []byte
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			lastLine = append(lastLine[:0], scanner.Bytes()...)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("recover policy audit chain: %w", err)
	}
	if len(lastLine) == 0 {
		return nil
	}
	var last Entry
	if err := json.Unmarshal(lastLine, &last); err != nil {
		return fmt.Errorf("recover policy audit chain: corrupt last entry: %w", err)
	}
	c.lastHash = last.Hash
	return nil
}

// chainHash computes SHA-256(prevHash || JCS(decision)).
func chainHash(prevHash string, d *policy.Decision) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(prevHash), canonical...))
	return hex.EncodeToString(sum[:]), nil
}

// Append chains and persists one decision. Failures are surfaced to the
// caller for logging but callers must not change the decision on error.
func (c *ChainLog) Append(ctx context.Context, d *policy.Decision) error {
	c.mu.Lock()
	entry, err := c.appendLocked(d)
	if err != nil {
		now := c.now().UTC()
		c.status.Healthy = false
		c.status.LastError = err.Error()
		c.status.LastErrorAt = &now
		c.mu.Unlock()
		return err
	}
	c.status.Healthy = true
	c.status.Entries++
	c.status.CurrentFile = fileName(c.curDate, c.curIndex)
	remote := c.remoteURL
	c.mu.Unlock()

	if remote != "" {
		c.mirror(ctx, entry)
	}
	return nil
}

func (c *ChainLog) appendLocked(d *policy.Decision) (*Entry, error) {
	date := c.now().UTC().Format("2006-01-02")
	if date != c.curDate {
		c.curDate = date
		c.curIndex = 0
		c.curSize = 0
		c.lastHash = genesisHash
	}

	hash, err := chainHash(c.lastHash, d)
	if err != nil {
		return nil, fmt.Errorf("hash policy decision: %w", err)
	}
	entry := &Entry{Decision: *d, PrevHash: c.lastHash, Hash: hash}
	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode policy decision: %w", err)
	}
	line = append(line, '\n')

	if c.curSize+int64(len(line)) > c.maxFileBytes && c.curSize > 0 {
		c.curIndex++
		c.curSize = 0
		// A fresh rotation file starts its own chain.
		c.lastHash = genesisHash
		hash, err = chainHash(c.lastHash, d)
		if err != nil {
			return nil, fmt.Errorf("hash policy decision: %w", err)
		}
		entry = &Entry{Decision: *d, PrevHash: c.lastHash, Hash: hash}
		line, err = json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("encode policy decision: %w", err)
		}
		line = append(line, '\n')
	}

	path := filepath.Join(c.dir, fileName(c.curDate, c.curIndex))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open policy audit file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return nil, fmt.Errorf("append policy decision: %w", err)
	}
	c.curSize += int64(len(line))
	c.lastHash = hash
	return entry, nil
}

// mirror POSTs the entry to the remote sink; failures only degrade status.
func (c *ChainLog) mirror(ctx context.Context, entry *Entry) {
	body, err := json.Marshal(entry)
	if err != nil {
		c.markRemote(err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.remoteURL, bytes.NewReader(body))
	if err != nil {
		c.markRemote(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		c.markRemote(err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.markRemote(fmt.Errorf("remote audit sink returned HTTP %d", resp.StatusCode))
		return
	}
	c.mu.Lock()
	c.status.RemoteOK = true
	c.mu.Unlock()
}

func (c *ChainLog) markRemote(err error) {
	now := c.now().UTC()
	c.mu.Lock()
	c.status.RemoteOK = false
	c.status.LastError = err.Error()
	c.status.LastErrorAt = &now
	c.mu.Unlock()
	c.log.Warn("", "", "remote policy audit mirror failed", map[string]any{"error": err.Error()})
}

// Status returns a snapshot of sink health.
func (c *ChainLog) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Verify replays one chain file and checks every link. It returns the
// number of valid entries, stopping with an error at the first break.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	prev := genesisHash
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return count, fmt.Errorf("entry %d: invalid JSON: %w", count, err)
		}
		if entry.PrevHash != prev {
			return count, fmt.Errorf("entry %d: prev_hash %q does not match chain %q", count, entry.PrevHash, prev)
		}
		want, err := chainHash(prev, &entry.Decision)
		if err != nil {
			return count, err
		}
		if entry.Hash != want {
			return count, fmt.Errorf("entry %d: hash mismatch", count)
		}
		prev = entry.Hash
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, nil
}
