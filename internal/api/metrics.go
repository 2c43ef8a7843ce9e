package api

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ServerMetrics отдаёт метрики процесса для ops-эндпоинтов
type ServerMetrics struct {
	startTime time.Time
	proc      *process.Process
}

// NewServerMetrics фиксирует момент старта и находит собственный процесс
func NewServerMetrics() *ServerMetrics {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &ServerMetrics{startTime: time.Now(), proc: proc}
}

// GetUptime возвращает время работы в человекочитаемом виде
func (sm *ServerMetrics) GetUptime() string {
	up := time.Since(sm.startTime).Round(time.Second)

	d := up / (24 * time.Hour)
	h := (up % (24 * time.Hour)) / time.Hour
	m := (up % time.Hour) / time.Minute
	s := (up % time.Minute) / time.Second

	switch {
	case d > 0:
		return fmt.Sprintf("%dд %dч %dм %dс", d, h, m, s)
	case h > 0:
		return fmt.Sprintf("%dч %dм %dс", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dм %dс", m, s)
	default:
		return fmt.Sprintf("%dс", s)
	}
}

// GetMemoryUsage возвращает резидентную память процесса в мегабайтах.
// Если ОС не отдаёт RSS, используется аллоцированная куча Go.
func (sm *ServerMetrics) GetMemoryUsage() (float64, error) {
	if sm.proc != nil {
		if info, err := sm.proc.MemoryInfo(); err == nil && info != nil {
			return float64(info.RSS) / 1024 / 1024, nil
		}
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024, nil
}

// GetCPUUsage возвращает загрузку CPU процессом в процентах, с откатом
// на системную метрику, если процессная недоступна
func (sm *ServerMetrics) GetCPUUsage() (float64, error) {
	if sm.proc != nil {
		if percent, err := sm.proc.CPUPercent(); err == nil {
			return percent, nil
		}
	}
	return sampleSystemCPU(100 * time.Millisecond)
}

// GetSystemCPUUsage возвращает общую загрузку CPU системы
func (sm *ServerMetrics) GetSystemCPUUsage() (float64, error) {
	return sampleSystemCPU(time.Second)
}

func sampleSystemCPU(interval time.Duration) (float64, error) {
	percents, err := cpu.Percent(interval, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("системная метрика CPU недоступна")
	}
	return percents[0], nil
}

// GetDetailedMemoryStats возвращает развёрнутую статистику рантайма
func (sm *ServerMetrics) GetDetailedMemoryStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"alloc_mb":       float64(m.Alloc) / 1024 / 1024,
		"total_alloc_mb": float64(m.TotalAlloc) / 1024 / 1024,
		"sys_mb":         float64(m.Sys) / 1024 / 1024,
		"heap_alloc_mb":  float64(m.HeapAlloc) / 1024 / 1024,
		"heap_sys_mb":    float64(m.HeapSys) / 1024 / 1024,
		"num_gc":         m.NumGC,
		"goroutines":     runtime.NumGoroutine(),
	}
}
