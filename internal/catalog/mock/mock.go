// Package mock provides an in-memory session catalog for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/meetcap/pkg/audio/wav"
)

// Report is one RecordReport call.
type Report struct {
	ID       string
	Report   wav.Report
	Manifest *wav.Manifest
}

// Catalog records every call. Set the *Err fields to inject failures.
type Catalog struct {
	mu sync.Mutex

	BeginErr  error
	ReportErr error
	EndErr    error
	PingErr   error

	Begun   []string
	Reports []Report
	Ended   map[string]int
	EndedAt map[string]time.Time
	Closed  int
}

func (c *Catalog) BeginSession(_ context.Context, id, _ string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Begun = append(c.Begun, id)
	return c.BeginErr
}

func (c *Catalog) RecordReport(_ context.Context, id string, rep wav.Report, m *wav.Manifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reports = append(c.Reports, Report{ID: id, Report: rep, Manifest: m})
	return c.ReportErr
}

func (c *Catalog) EndSession(_ context.Context, id string, endedAt time.Time, archived int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Ended == nil {
		c.Ended = make(map[string]int)
		c.EndedAt = make(map[string]time.Time)
	}
	c.Ended[id] = archived
	c.EndedAt[id] = endedAt
	return c.EndErr
}

func (c *Catalog) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PingErr
}

func (c *Catalog) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed++
}

// Snapshot returns copies of the recorded begin ids and reports.
func (c *Catalog) Snapshot() (begun []string, reports []Report, ended map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ended = make(map[string]int, len(c.Ended))
	for k, v := range c.Ended {
		ended[k] = v
	}
	return append([]string(nil), c.Begun...), append([]Report(nil), c.Reports...), ended
}
