package coordinator

import (
	"context"
	"math"
	"time"

	"github.com/btaudio/btaudiod/internal/bluez"
	"github.com/btaudio/btaudiod/internal/eventbus"
)

// StartScan implements the ControlApi `start-scan` command: runs BlueZ
// discovery, filtered to this daemon's BR/EDR audio UUIDs (spec §4.3),
// for settings.scan_duration_seconds, then stops it automatically.
// A call made while a scan is already running starts nothing and
// returns a duration of 0 with no error, rather than queueing — spec
// names no "busy" semantics here, but two overlapping SetDiscoveryFilter/
// StartDiscovery calls would just race on the same adapter.
func (c *Coordinator) StartScan(ctx context.Context) (int, error) {
	c.scanMu.Lock()
	if time.Now().Before(c.scanDeadline) {
		c.scanMu.Unlock()
		return 0, nil
	}
	duration := c.store.Settings().ScanDurationSeconds
	c.scanDeadline = time.Now().Add(time.Duration(duration) * time.Second)
	c.scanMu.Unlock()

	adapterPath := c.adapterPathValue()
	if err := c.bluezSess.StartDiscovery(ctx, adapterPath); err != nil {
		c.scanMu.Lock()
		c.scanDeadline = time.Time{}
		c.scanMu.Unlock()
		return 0, err
	}
	c.bus.Publish(eventbus.TopicScanStarted, duration)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-time.After(time.Duration(duration) * time.Second):
		case <-ctx.Done():
		}
		stopErr := c.bluezSess.StopDiscovery(context.Background(), adapterPath)
		c.scanMu.Lock()
		c.scanDeadline = time.Time{}
		c.scanMu.Unlock()
		c.bus.Publish(eventbus.TopicScanFinished, stopErr)
	}()

	return duration, nil
}

// ScanStatus implements `scan-status`.
func (c *Coordinator) ScanStatus() (scanning bool, secondsRemaining int) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if time.Now().After(c.scanDeadline) {
		return false, 0
	}
	return true, int(math.Ceil(time.Until(c.scanDeadline).Seconds()))
}

// ListAdapters implements the ControlApi `list-adapters` command.
func (c *Coordinator) ListAdapters(ctx context.Context) ([]bluez.AdapterInfo, error) {
	return c.bluezSess.Adapters(ctx)
}
