package protection

import (
	"runtime"
	"time"

	"github.com/opsmux/guardrail/internal/breaker"
	"github.com/opsmux/guardrail/internal/metrics"
)

// Start launches the monitoring and cleanup loops. Stop terminates
// them.
func (co *Coordinator) Start() {
	co.loopWG.Add(2)
	go co.monitoringLoop()
	go co.cleanupLoop()
}

// Stop terminates the background loops and waits for them.
func (co *Coordinator) Stop() {
	co.stopOnce.Do(func() { close(co.loopStop) })
	co.loopWG.Wait()
}

func (co *Coordinator) monitoringLoop() {
	defer co.loopWG.Done()

	interval := co.settings.Loops.MonitoringInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			co.runTick("monitoring", co.monitoringTick)
		case <-co.loopStop:
			return
		}
	}
}

func (co *Coordinator) cleanupLoop() {
	defer co.loopWG.Done()

	interval := co.settings.Loops.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			co.runTick("cleanup", co.cleanupTick)
		case <-co.loopStop:
			return
		}
	}
}

// runTick isolates one loop iteration; a panicking tick must never
// kill the loop.
func (co *Coordinator) runTick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			co.logger.Error("panic in background loop", "loop", name, "panic", r)
			metrics.ComponentErrors.WithLabelValues("loop_" + name).Inc()
			time.Sleep(time.Second)
		}
	}()
	fn()
}

func (co *Coordinator) monitoringTick() {
	sys := co.systemMetrics()
	co.health.Store(sys.OverallHealthScore)
	metrics.SystemHealthScore.Set(sys.OverallHealthScore)

	if co.settings.Breakers.Enabled {
		co.breakers.AdjustThresholds(sys)
	}
	if co.settings.Anomaly.Enabled {
		co.detector.MaybeRetrain()
	}

	co.logger.Debug("protection monitoring tick",
		"health", sys.OverallHealthScore,
		"error_rate", sys.ErrorRate,
		"inflight", co.inflight.Load(),
	)
}

func (co *Coordinator) cleanupTick() {
	pruned := co.analyzer.PruneInactive(profileMaxAge)
	locks := co.repute.PruneLocks()
	co.dedup.Cleanup()

	co.logger.Debug("protection cleanup tick",
		"profiles_pruned", pruned,
		"reputation_locks_pruned", locks,
	)
}

// systemMetrics snapshots process health for adaptive thresholds.
func (co *Coordinator) systemMetrics() breaker.SystemMetrics {
	now := time.Now()

	var errorRate float64
	if total := co.requests.Load(); total > 0 {
		errorRate = float64(co.errors5m.count(now)) / float64(total)
		if errorRate > 1 {
			errorRate = 1
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memPercent := 0.0
	if ms.Sys > 0 {
		memPercent = float64(ms.HeapAlloc) / float64(ms.Sys) * 100
	}

	load := co.loadFactor()

	openShare := 0.0
	if states := co.breakers.States(); len(states) > 0 {
		open := 0
		for _, s := range states {
			if s == breaker.StateOpen {
				open++
			}
		}
		openShare = float64(open) / float64(len(states))
	}

	health := 1 - 0.5*errorRate - 0.3*load - 0.2*openShare
	if health < 0 {
		health = 0
	}

	return breaker.SystemMetrics{
		CPUPercent:         load * 100, // in-flight share stands in for CPU
		MemoryPercent:      memPercent,
		ErrorRate:          errorRate,
		OverallHealthScore: health,
	}
}

// HealthScore returns the last computed overall health score.
func (co *Coordinator) HealthScore() float64 {
	return co.health.Load().(float64)
}
