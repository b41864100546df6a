package tls

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Expiry status values reported by CertificateMonitor.
const (
	StatusOK       = "OK"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
	StatusExpired  = "EXPIRED"
)

// CertificateStatus is the result of checking one watched certificate.
type CertificateStatus struct {
	Name            string
	Subject         string
	NotAfter        time.Time
	DaysUntilExpiry int
	Status          string
	LastChecked     time.Time
}

// ExpiryObserver receives every successful check, typically to export the
// expiry as a metric.
type ExpiryObserver func(status CertificateStatus)

// CertificateMonitor periodically re-reads certificate files (the broker's
// trust anchor and listener certificate) and warns as they approach expiry.
type CertificateMonitor struct {
	logger   *slog.Logger
	observer ExpiryObserver
	now      func() time.Time

	checkInterval time.Duration
	warningDays   int
	criticalDays  int

	mu           sync.Mutex
	files        map[string]string
	lastWarnings map[string]time.Time
	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewCertificateMonitor creates a monitor that checks hourly, warns inside 7
// days and escalates inside 1 day.
func NewCertificateMonitor(observer ExpiryObserver, logger *slog.Logger) *CertificateMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CertificateMonitor{
		logger:        logger,
		observer:      observer,
		now:           time.Now,
		checkInterval: time.Hour,
		warningDays:   7,
		criticalDays:  1,
		files:         make(map[string]string),
		lastWarnings:  make(map[string]time.Time),
	}
}

// Watch adds a certificate file under a display name. Watching the same name
// again replaces the path.
func (m *CertificateMonitor) Watch(name, certFile string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = certFile
}

// SetCheckInterval sets the interval between background checks.
func (m *CertificateMonitor) SetCheckInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.checkInterval = interval
	}
}

// Start checks once and then keeps checking until ctx is done or Stop is called.
func (m *CertificateMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.monitorLoop(ctx, m.checkInterval, m.stopChan)
}

// Stop halts background checks and waits for the loop to exit.
func (m *CertificateMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopChan)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *CertificateMonitor) monitorLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	defer m.wg.Done()

	m.CheckAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll checks every watched certificate and returns the statuses sorted
// by name. Files that cannot be read are logged and skipped.
func (m *CertificateMonitor) CheckAll(ctx context.Context) []CertificateStatus {
	m.mu.Lock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	files := make(map[string]string, len(m.files))
	for name, path := range m.files {
		files[name] = path
	}
	m.mu.Unlock()
	sort.Strings(names)

	statuses := make([]CertificateStatus, 0, len(names))
	for _, name := range names {
		status, err := m.check(name, files[name])
		if err != nil {
			m.logger.Error("Failed to check certificate", "name", name, "file", files[name], "error", err)
			continue
		}
		if m.observer != nil {
			m.observer(status)
		}
		m.maybeWarn(ctx, status)
		statuses = append(statuses, status)
	}
	return statuses
}

func (m *CertificateMonitor) check(name, certFile string) (CertificateStatus, error) {
	info, err := GetCertificateFileInfo(certFile)
	if err != nil {
		return CertificateStatus{}, err
	}

	now := m.now()
	days := int(info.NotAfter.Sub(now).Hours() / 24)
	status := CertificateStatus{
		Name:            name,
		Subject:         info.Subject,
		NotAfter:        info.NotAfter,
		DaysUntilExpiry: days,
		LastChecked:     now,
	}

	switch {
	case !now.Before(info.NotAfter):
		status.Status = StatusExpired
	case days < m.criticalDays:
		status.Status = StatusCritical
	case days < m.warningDays:
		status.Status = StatusWarning
	default:
		status.Status = StatusOK
	}
	return status, nil
}

// maybeWarn logs at most once a day per certificate.
func (m *CertificateMonitor) maybeWarn(ctx context.Context, status CertificateStatus) {
	if status.Status == StatusOK {
		return
	}

	m.mu.Lock()
	last, seen := m.lastWarnings[status.Name]
	if seen && status.LastChecked.Sub(last) < 24*time.Hour {
		m.mu.Unlock()
		return
	}
	m.lastWarnings[status.Name] = status.LastChecked
	m.mu.Unlock()

	attrs := []slog.Attr{
		slog.String("name", status.Name),
		slog.String("subject", status.Subject),
		slog.Time("expires_on", status.NotAfter),
		slog.Int("days_remaining", status.DaysUntilExpiry),
		slog.String("status", status.Status),
	}

	switch status.Status {
	case StatusExpired:
		m.logger.LogAttrs(ctx, slog.LevelError, "Certificate expired", attrs...)
	case StatusCritical:
		m.logger.LogAttrs(ctx, slog.LevelError, "Certificate expires within a day", attrs...)
	default:
		m.logger.LogAttrs(ctx, slog.LevelWarn, "Certificate expires soon", attrs...)
	}
}
