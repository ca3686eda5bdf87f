package health

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// Thresholds used by the built-in checks
const (
	// MaxPendingFreezeJobs is the hint/archive backlog above which storage
	// is reported degraded.
	MaxPendingFreezeJobs = 64
	// DefaultMaxGoroutines is the goroutine count above which the process
	// is reported degraded.
	DefaultMaxGoroutines = 10000
)

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// StorageCheck reports whether the store is open and keeping up with
// background hint and archive work.
func StorageCheck(getState func() StorageState) CheckFunc {
	return func() Check {
		state := getState()
		check := Check{
			Name: "storage",
			Details: map[string]any{
				"segments":            state.Segments,
				"frozen_segments":     state.FrozenSegments,
				"indexed_keys":        state.IndexedKeys,
				"pending_freeze_jobs": state.PendingFreezeJobs,
			},
		}

		switch {
		case !state.Open:
			check.Status = StatusUnhealthy
			check.Message = "Store is closed"
		case state.Segments == 0:
			check.Status = StatusUnhealthy
			check.Message = "No writable segment"
		case state.PendingFreezeJobs > MaxPendingFreezeJobs:
			check.Status = StatusDegraded
			check.Message = "Freeze backlog"
		default:
			check.Status = StatusHealthy
			check.Message = "Store open"
		}
		return check
	}
}

// DiskWritableCheck verifies that a file can be created in dir. The test
// file is hidden so a concurrent directory scan never mistakes it for a
// segment.
func DiskWritableCheck(dir string) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "disk",
			Details: map[string]any{"dir": dir},
		}

		if err := tryWrite(dir); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			return check
		}
		check.Status = StatusHealthy
		check.Message = "Directory writable"
		return check
	}
}

func tryWrite(dir string) error {
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("create test file: %w", err)
	}
	name := f.Name()
	defer os.Remove(name)

	if _, err := f.Write([]byte("ok")); err != nil {
		f.Close()
		return fmt.Errorf("write test file: %w", err)
	}
	return f.Close()
}

// DiskSpaceCheck creates a health check for disk space
func DiskSpaceCheck(getUsage func() (used, total uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "disk_space",
			Details: make(map[string]any),
		}

		used, total := getUsage()
		if total == 0 {
			check.Status = StatusDegraded
			check.Message = "Disk usage unavailable"
			return check
		}

		usagePercent := float64(used) / float64(total) * 100

		check.Details["used_bytes"] = used
		check.Details["total_bytes"] = total
		check.Details["usage_percent"] = usagePercent

		if usagePercent > 95 {
			check.Status = StatusUnhealthy
			check.Message = "Critical disk space"
		} else if usagePercent > 80 {
			check.Status = StatusDegraded
			check.Message = "Low disk space"
		} else {
			check.Status = StatusHealthy
			check.Message = "Sufficient disk space"
		}

		return check
	}
}

// GoroutineCheck reports degraded when the goroutine count exceeds max,
// which usually means connections are leaking.
func GoroutineCheck(max int) CheckFunc {
	if max <= 0 {
		max = DefaultMaxGoroutines
	}
	return func() Check {
		n := runtime.NumGoroutine()
		check := Check{
			Name:    "goroutines",
			Details: map[string]any{"count": n, "max": max},
		}
		if n > max {
			check.Status = StatusDegraded
			check.Message = "Too many goroutines"
		} else {
			check.Status = StatusHealthy
		}
		return check
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()

		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		if sys == 0 || float64(alloc)/float64(sys)*100 > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}

		return check
	}
}

// RuntimeMemory reads heap usage from the Go runtime, for MemoryCheck.
func RuntimeMemory() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys
}

// CertificateExpiryCheck reports the listener certificate as degraded
// within warnWithin of notAfter and unhealthy once it has expired.
func CertificateExpiryCheck(notAfter time.Time, warnWithin time.Duration) CheckFunc {
	return func() Check {
		remaining := time.Until(notAfter)
		check := Check{
			Name: "tls_certificate",
			Details: map[string]any{
				"not_after":         notAfter.UTC().Format(time.RFC3339),
				"remaining_seconds": int64(remaining.Seconds()),
			},
		}
		switch {
		case remaining <= 0:
			check.Status = StatusUnhealthy
			check.Message = "Certificate expired"
		case remaining < warnWithin:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Certificate expires in %s", remaining.Round(time.Hour))
		default:
			check.Status = StatusHealthy
			check.Message = "Certificate valid"
		}
		return check
	}
}
