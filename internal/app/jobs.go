package app

import (
	"os"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/talkincode/wasessiond/pkg/metrics"
	"go.uber.org/zap"
)

const (
	MetricSystemCPU   = "system_cpuuse"
	MetricSystemMem   = "system_memuse"
	MetricProcessCPU  = "wasessiond_cpuuse"
	MetricProcessMem  = "wasessiond_memuse"
	MetricGoroutines  = "wasessiond_goroutines"
	MetricDBOpenConns = "wasessiond_db_open_conns"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
		go a.SchedGaugeTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	// Collect CPU usage
	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetGauge(MetricSystemCPU, int64(_cpuuse[0]*100)) // Store as percentage * 100
	}

	// Collect memory usage
	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge(MetricSystemMem, int64(_meminfo.Used/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	// Collect process CPU usage
	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge(MetricProcessCPU, int64(cpuuse*100)) // Store as percentage * 100
	}

	// Collect process memory usage
	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge(MetricProcessMem, int64(meminfo.RSS/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}

	metrics.SetGauge(MetricGoroutines, int64(runtime.NumGoroutine()))

	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			metrics.SetGauge(MetricDBOpenConns, int64(sqlDB.Stats().OpenConnections))
		}
	}
}

// RegisterGauge adds a gauge sampled on every monitor tick. Registering a name
// again replaces its sampler.
func (a *Application) RegisterGauge(name string, sample func() int64) {
	a.gaugeMu.Lock()
	defer a.gaugeMu.Unlock()
	if a.gauges == nil {
		a.gauges = make(map[string]func() int64)
	}
	a.gauges[name] = sample
}

// SchedGaugeTask samples every registered gauge. A panicking sampler is logged
// and skipped.
func (a *Application) SchedGaugeTask() {
	a.gaugeMu.Lock()
	samplers := make(map[string]func() int64, len(a.gauges))
	for name, fn := range a.gauges {
		samplers[name] = fn
	}
	a.gaugeMu.Unlock()

	for name, fn := range samplers {
		sampleGauge(name, fn)
	}
}

func sampleGauge(name string, sample func() int64) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Errorf("gauge %s: %v", name, err)
		}
	}()
	metrics.SetGauge(name, sample())
}
