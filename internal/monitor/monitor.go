// Package monitor implements C6 PerformanceMonitor: per-job metrics, a
// rolling system-metrics time series, and aggregate stats export.
// Generalized from original_source/app/performance_monitor.py's
// JobMetrics/SystemMetrics dataclasses and PerformanceMonitor class — the
// threading.Lock + deque-of-bounded-size pattern becomes a sync.Mutex
// guarding plain slices, and the background collection thread becomes a
// goroutine driven by a time.Ticker (idiomatic Go per the teacher's own
// internal/queue/consumer.go worker-loop shape). System CPU/memory/disk
// sampling has no ecosystem library anywhere in the example pack (no repo
// imports gopsutil or an equivalent), so it reads /proc and syscall.Statfs
// directly — the one stdlib-only concern in this package.
package monitor

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics is the record kept for one job, active or completed.
type JobMetrics struct {
	JobID          string
	Filename       string
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	Success        bool
	ErrorMessage   string
	StepsCompleted []string
	StepsFailed    []string
	StepDurations  map[string]time.Duration
	PeakMemoryMB   float64
	FileSizeMB     float64
	PageCount      int

	currentStep      string
	currentStepStart time.Time
}

// SystemSample is one point in the rolling system-metrics series.
type SystemSample struct {
	Timestamp          time.Time
	CPUPercent         float64
	MemoryPercent      float64
	MemoryUsedMB       float64
	MemoryAvailableMB  float64
	DiskUsagePercent   float64
	DiskFreeMB         float64
	ActiveJobs         int
	LoadAverage1Min    *float64
}

// Config tunes retention and sampling for the monitor.
type Config struct {
	RetentionDuration    time.Duration // how long system samples are kept; completed jobs are capped by MaxJobHistory only
	SystemSampleInterval time.Duration
	MaxJobHistory        int
	DiskPath             string // path statfs is run against for disk usage
}

// Monitor tracks job and system performance, exposing both an
// in-process query surface and a Prometheus registry.
type Monitor struct {
	cfg Config

	mu            sync.Mutex
	active        map[string]*JobMetrics
	completed     []*JobMetrics
	samples       []SystemSample
	prevCPUTotal  uint64
	prevCPUIdle   uint64

	stop chan struct{}
	wg   sync.WaitGroup

	jobDuration *prometheus.HistogramVec
	jobsTotal   *prometheus.CounterVec
	cpuGauge    prometheus.Gauge
	memGauge    prometheus.Gauge
	diskGauge   prometheus.Gauge
	activeGauge prometheus.Gauge
}

// New constructs a Monitor and registers its Prometheus collectors.
func New(cfg Config, registry prometheus.Registerer) *Monitor {
	if cfg.MaxJobHistory <= 0 {
		cfg.MaxJobHistory = 1000
	}
	if cfg.SystemSampleInterval <= 0 {
		cfg.SystemSampleInterval = 30 * time.Second
	}
	if cfg.RetentionDuration <= 0 {
		cfg.RetentionDuration = 24 * time.Hour
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}

	m := &Monitor{
		cfg:    cfg,
		active: make(map[string]*JobMetrics),
		stop:   make(chan struct{}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paperingest_job_duration_seconds",
			Help:    "Ingest job duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"success"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paperingest_jobs_total",
			Help: "Total ingest jobs completed, by outcome.",
		}, []string{"success"}),
		cpuGauge:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "paperingest_system_cpu_percent", Help: "System CPU utilization percent."}),
		memGauge:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "paperingest_system_memory_percent", Help: "System memory utilization percent."}),
		diskGauge:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "paperingest_system_disk_percent", Help: "Disk utilization percent for the data volume."}),
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{Name: "paperingest_active_jobs", Help: "Currently active ingest jobs."}),
	}
	if registry != nil {
		registry.MustRegister(m.jobDuration, m.jobsTotal, m.cpuGauge, m.memGauge, m.diskGauge, m.activeGauge)
	}
	return m
}

// StartJob begins tracking a new job.
func (m *Monitor) StartJob(jobID, filename string, fileSizeMB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[jobID] = &JobMetrics{
		JobID: jobID, Filename: filename, StartTime: time.Now(), FileSizeMB: fileSizeMB,
		StepDurations: make(map[string]time.Duration), currentStep: "initializing", currentStepStart: time.Now(),
	}
	m.activeGauge.Set(float64(len(m.active)))
}

// UpdateStep records the duration of the previous step and begins timing a new one.
func (m *Monitor) UpdateStep(jobID, step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.active[jobID]
	if !ok {
		return
	}
	if j.currentStep != "" && j.currentStep != "initializing" {
		j.StepDurations[j.currentStep] = time.Since(j.currentStepStart)
	}
	j.currentStep = step
	j.currentStepStart = time.Now()
}

// CompleteJob finalizes a job's metrics and moves it into history.
func (m *Monitor) CompleteJob(jobID string, success bool, errMessage string, pageCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.active[jobID]
	if !ok {
		return
	}
	if j.currentStep != "" && j.currentStep != "initializing" {
		j.StepDurations[j.currentStep] = time.Since(j.currentStepStart)
	}
	j.EndTime = time.Now()
	j.Duration = j.EndTime.Sub(j.StartTime)
	j.Success = success
	j.ErrorMessage = errMessage
	j.PageCount = pageCount

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	j.PeakMemoryMB = float64(memStats.Sys) / (1024 * 1024)

	delete(m.active, jobID)
	m.completed = append(m.completed, j)
	if len(m.completed) > m.cfg.MaxJobHistory {
		m.completed = m.completed[len(m.completed)-m.cfg.MaxJobHistory:]
	}
	m.activeGauge.Set(float64(len(m.active)))

	label := "true"
	if !success {
		label = "false"
	}
	m.jobDuration.WithLabelValues(label).Observe(j.Duration.Seconds())
	m.jobsTotal.WithLabelValues(label).Inc()
}

// Start begins the background system-sample collection loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SystemSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop drains the collection loop.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) sample() {
	s := SystemSample{Timestamp: time.Now()}
	s.CPUPercent = m.cpuPercent()
	s.MemoryPercent, s.MemoryUsedMB, s.MemoryAvailableMB = memoryStats()
	s.DiskUsagePercent, s.DiskFreeMB = diskStats(m.cfg.DiskPath)
	if load, ok := loadAverage1Min(); ok {
		s.LoadAverage1Min = &load
	}

	m.mu.Lock()
	s.ActiveJobs = len(m.active)
	m.samples = append(m.samples, s)
	cutoff := time.Now().Add(-m.cfg.RetentionDuration)
	for len(m.samples) > 0 && m.samples[0].Timestamp.Before(cutoff) {
		m.samples = m.samples[1:]
	}
	m.mu.Unlock()

	m.cpuGauge.Set(s.CPUPercent)
	m.memGauge.Set(s.MemoryPercent)
	m.diskGauge.Set(s.DiskUsagePercent)
}

// cpuPercent computes overall CPU utilization since the previous sample by
// diffing /proc/stat's aggregate jiffies; returns 0 on non-Linux or read
// failure (there is no portable stdlib way to read this).
func (m *Monitor) cpuPercent() float64 {
	total, idle, ok := readProcStatCPU()
	if !ok {
		return 0
	}
	m.mu.Lock()
	prevTotal, prevIdle := m.prevCPUTotal, m.prevCPUIdle
	m.prevCPUTotal, m.prevCPUIdle = total, idle
	m.mu.Unlock()

	if prevTotal == 0 {
		return 0
	}
	totalDelta := float64(total - prevTotal)
	idleDelta := float64(idle - prevIdle)
	if totalDelta <= 0 {
		return 0
	}
	return (1 - idleDelta/totalDelta) * 100
}

func readProcStatCPU() (total, idle uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	var sum uint64
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		sum += v
	}
	idleJiffies, _ := strconv.ParseUint(fields[4], 10, 64)
	return sum, idleJiffies, true
}

func memoryStats() (percent, usedMB, availableMB float64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, 0
	}
	defer f.Close()

	vals := make(map[string]uint64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		vals[key] = n
	}
	totalKB := vals["MemTotal"]
	availKB := vals["MemAvailable"]
	if totalKB == 0 {
		return 0, 0, 0
	}
	usedKB := totalKB - availKB
	return float64(usedKB) / float64(totalKB) * 100, float64(usedKB) / 1024, float64(availKB) / 1024
}

func diskStats(path string) (percent, freeMB float64) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, 0
	}
	used := total - free
	return float64(used) / float64(total) * 100, float64(free) / (1024 * 1024)
}

func loadAverage1Min() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Stats is the aggregate report returned by Stats().
type Stats struct {
	CurrentlyActive     int
	SuccessRateOverall  float64
	SuccessRateLastHour float64
	SuccessRateLast24h  float64
	AvgDurationSeconds  float64
	MedianDurationSeconds float64
	MinDurationSeconds  float64
	MaxDurationSeconds  float64
	StepSuccessCounts   map[string]int
	StepFailureCounts   map[string]int
	ErrorCategories     map[string]int
}

// Stats computes the aggregate view over completed-job history.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	jobs := append([]*JobMetrics(nil), m.completed...)
	activeCount := len(m.active)
	m.mu.Unlock()

	now := time.Now()
	var lastHour, last24h []*JobMetrics
	for _, j := range jobs {
		if now.Sub(j.EndTime) <= time.Hour {
			lastHour = append(lastHour, j)
		}
		if now.Sub(j.EndTime) <= 24*time.Hour {
			last24h = append(last24h, j)
		}
	}

	st := Stats{
		CurrentlyActive:     activeCount,
		SuccessRateOverall:  successRate(jobs),
		SuccessRateLastHour: successRate(lastHour),
		SuccessRateLast24h:  successRate(last24h),
		StepSuccessCounts:   map[string]int{},
		StepFailureCounts:   map[string]int{},
		ErrorCategories:     map[string]int{},
	}

	durations := make([]float64, 0, len(jobs))
	for _, j := range jobs {
		durations = append(durations, j.Duration.Seconds())
		for _, s := range j.StepsCompleted {
			st.StepSuccessCounts[s]++
		}
		for _, s := range j.StepsFailed {
			st.StepFailureCounts[s]++
		}
		if !j.Success && j.ErrorMessage != "" {
			st.ErrorCategories[categorizeError(j.ErrorMessage)]++
		}
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		st.MinDurationSeconds = durations[0]
		st.MaxDurationSeconds = durations[len(durations)-1]
		st.MedianDurationSeconds = durations[len(durations)/2]
		var sum float64
		for _, d := range durations {
			sum += d
		}
		st.AvgDurationSeconds = sum / float64(len(durations))
	}
	return st
}

func successRate(jobs []*JobMetrics) float64 {
	if len(jobs) == 0 {
		return 0
	}
	ok := 0
	for _, j := range jobs {
		if j.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(jobs)) * 100
}

// categorizeError buckets an error message by a short substring match,
// mirroring the teacher's coarse error-category logging.
func categorizeError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "connection"):
		return "connection"
	case strings.Contains(lower, "ocr"):
		return "ocr"
	case strings.Contains(lower, "embed"):
		return "embedding"
	case strings.Contains(lower, "storage") || strings.Contains(lower, "database") || strings.Contains(lower, "sqlite"):
		return "storage"
	default:
		return "other"
	}
}

// ExportJSON writes the full state (job history + system samples + stats) as JSON.
func (m *Monitor) ExportJSON(w io.Writer) error {
	m.mu.Lock()
	jobs := append([]*JobMetrics(nil), m.completed...)
	samples := append([]SystemSample(nil), m.samples...)
	m.mu.Unlock()

	dump := struct {
		Jobs    []*JobMetrics  `json:"jobs"`
		Samples []SystemSample `json:"system_samples"`
		Stats   Stats          `json:"stats"`
	}{Jobs: jobs, Samples: samples, Stats: m.Stats()}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dump)
}

// ExportCSV writes one row per completed job.
func (m *Monitor) ExportCSV(w io.Writer) error {
	m.mu.Lock()
	jobs := append([]*JobMetrics(nil), m.completed...)
	m.mu.Unlock()

	cw := csv.NewWriter(w)
	defer cw.Flush()
	if err := cw.Write([]string{"job_id", "filename", "success", "duration_seconds", "file_size_mb", "page_count", "error_message"}); err != nil {
		return err
	}
	for _, j := range jobs {
		if err := cw.Write([]string{
			j.JobID, j.Filename, strconv.FormatBool(j.Success),
			fmt.Sprintf("%.3f", j.Duration.Seconds()),
			fmt.Sprintf("%.3f", j.FileSizeMB),
			strconv.Itoa(j.PageCount),
			j.ErrorMessage,
		}); err != nil {
			return err
		}
	}
	return nil
}
