package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/config"
	"github.com/claraverse-space/clara-supervisor/api/pkg/notification"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// Service is one monitored entry in the roster. Essential services are
// watched regardless of consent; everything else requires an explicit
// opt-in in the consent document.
type Service struct {
	Key         string
	HumanName   string
	Essential   bool
	HealthCheck func(ctx context.Context) error
	Restart     func(ctx context.Context) error
}

type entry struct {
	Service
	record         types.ServiceRecord
	metric         types.HealthMetric
	unhealthySince time.Time
}

// Watchdog polls the enabled services on a fixed cycle. Checks within a
// cycle run sequentially and cycles never overlap; a slow cycle delays the
// next tick.
type Watchdog struct {
	cfg      config.Watchdog
	notifier *notification.Throttler

	mu      sync.Mutex
	entries []*entry

	setupComplete chan struct{}
	setupOnce     sync.Once

	// OnEvent receives every structured watchdog event.
	OnEvent func(event types.WatchdogEventType, serviceKey string)

	now func() time.Time
}

func New(cfg config.Watchdog, consent *types.UserConsent, notifier *notification.Throttler, services ...Service) *Watchdog {
	w := &Watchdog{
		cfg:           cfg,
		notifier:      notifier,
		setupComplete: make(chan struct{}),
		now:           time.Now,
	}
	for _, svc := range services {
		w.entries = append(w.entries, &entry{
			Service: svc,
			record: types.ServiceRecord{
				Key:       svc.Key,
				HumanName: svc.HumanName,
				Status:    types.ServiceUnknown,
				Enabled:   serviceEnabled(svc, consent),
			},
		})
	}
	return w
}

// serviceEnabled applies the consent gate. A missing or declined consent
// document restricts monitoring to the essential core service, as does
// onboarding mode with auto-start disabled.
func serviceEnabled(svc Service, consent *types.UserConsent) bool {
	if svc.Essential {
		return true
	}
	if consent == nil || !consent.HasConsented {
		return false
	}
	if consent.OnboardingMode && !consent.AutoStartServices {
		return false
	}
	return consent.Services[svc.Key]
}

// SignalSetupComplete ends the startup delay early.
func (w *Watchdog) SignalSetupComplete() {
	w.setupOnce.Do(func() { close(w.setupComplete) })
}

// Run blocks until ctx is cancelled. Health checks begin after the startup
// delay or an explicit setup-complete signal, whichever comes first.
func (w *Watchdog) Run(ctx context.Context) {
	w.mu.Lock()
	for _, e := range w.entries {
		if e.record.Enabled {
			e.record.Status = types.ServiceStarting
		} else {
			e.record.Status = types.ServiceDisabled
		}
	}
	w.mu.Unlock()

	log.Info().Dur("startup_delay", w.cfg.StartupDelay).Msg("watchdog waiting for startup window")
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.StartupDelay):
	case <-w.setupComplete:
	}

	for {
		w.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.CheckInterval):
		}
	}
}

// RunCycle performs one sequential pass over the roster.
func (w *Watchdog) RunCycle(ctx context.Context) {
	transitions := 0
	for _, e := range w.entries {
		if ctx.Err() != nil {
			return
		}
		if !e.record.Enabled {
			continue
		}
		if w.inGracePeriod(e) {
			continue
		}
		if w.checkOne(ctx, e) {
			transitions++
		}
	}
	if transitions > 0 || w.cfg.Verbose {
		log.Info().Int("transitions", transitions).Int("services", len(w.entries)).Msg("watchdog cycle complete")
	}
}

// inGracePeriod skips recently-confirmed-healthy services and logs a
// single event when the grace window opens.
func (w *Watchdog) inGracePeriod(e *entry) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.record.LastHealthyAt.IsZero() {
		return false
	}
	if w.now().Sub(e.record.LastHealthyAt) >= w.cfg.GracePeriod {
		return false
	}
	if !e.record.GracePeriodLogged {
		e.record.GracePeriodLogged = true
		log.Info().
			Str("service", e.Key).
			Dur("grace", w.cfg.GracePeriod).
			Msg("service entered post-healthy grace period")
		w.emit(types.EventGracePeriodStarted, e.Key)
	}
	return true
}

// checkOne probes a single service and reports whether a state transition
// occurred. Repeated healthy results are silent.
func (w *Watchdog) checkOne(ctx context.Context, e *entry) bool {
	err := e.HealthCheck(ctx)

	w.mu.Lock()
	e.record.LastCheckAt = w.now()
	prev := e.record.Status
	w.mu.Unlock()

	if err == nil {
		return w.markHealthy(e, prev)
	}
	return w.markUnhealthy(ctx, e, prev, err)
}

func (w *Watchdog) markHealthy(e *entry, prev types.ServiceStatus) bool {
	w.mu.Lock()
	now := w.now()
	e.record.FailureCount = 0
	e.record.LastHealthyAt = now
	e.record.GracePeriodLogged = false
	transitioned := prev != types.ServiceHealthy
	if transitioned {
		e.record.Status = types.ServiceHealthy
		e.metric.StateChangeCount++
		e.metric.LastHealthyAt = now
		if !e.unhealthySince.IsZero() {
			e.metric.TotalDowntime += now.Sub(e.unhealthySince)
			e.unhealthySince = time.Time{}
		}
	}
	w.mu.Unlock()

	if transitioned {
		log.Info().Str("service", e.Key).Str("from", string(prev)).Msg("service is healthy")
		if prev == types.ServiceDegraded || prev == types.ServiceFailed || prev == types.ServiceError {
			w.emit(types.EventServiceRecovered, e.Key)
			w.notifier.Reset(e.Key)
		}
	}
	return transitioned
}

func (w *Watchdog) markUnhealthy(ctx context.Context, e *entry, prev types.ServiceStatus, err error) bool {
	w.mu.Lock()
	e.record.FailureCount++
	failures := e.record.FailureCount
	if e.unhealthySince.IsZero() {
		e.unhealthySince = w.now()
	}
	transitioned := prev == types.ServiceHealthy || prev == types.ServiceStarting || prev == types.ServiceUnknown
	if transitioned {
		e.record.Status = types.ServiceDegraded
		e.metric.StateChangeCount++
	}
	w.mu.Unlock()

	if transitioned {
		log.Warn().Err(err).Str("service", e.Key).Int("failures", failures).Msg("service check failed")
		w.emit(types.EventServiceDegraded, e.Key)
	}

	if failures < w.cfg.RetryAttempts {
		return transitioned
	}

	w.mu.Lock()
	e.record.Status = types.ServiceFailed
	e.metric.StateChangeCount++
	w.mu.Unlock()
	log.Error().Str("service", e.Key).Int("failures", failures).Msg("service failed, attempting restart")
	w.emit(types.EventServiceFailed, e.Key)

	w.restartService(ctx, e)
	return true
}

// restartService runs the service's restart hook, waits out the retry
// delay and re-probes before declaring the outcome.
func (w *Watchdog) restartService(ctx context.Context, e *entry) {
	if e.Restart == nil {
		return
	}

	w.mu.Lock()
	e.record.IsRetrying = true
	e.metric.RestartCount++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		e.record.IsRetrying = false
		w.mu.Unlock()
	}()

	if err := e.Restart(ctx); err != nil {
		log.Error().Err(err).Str("service", e.Key).Msg("restart hook failed")
		w.restartFailed(e, err)
		return
	}

	// the service needs the retry delay to come up before the first probe
	select {
	case <-ctx.Done():
		w.restartFailed(e, ctx.Err())
		return
	case <-time.After(w.cfg.RetryDelay):
	}

	err := retry.Do(
		func() error { return e.HealthCheck(ctx) },
		retry.Attempts(uint(w.cfg.RetryAttempts)),
		retry.Delay(w.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		w.restartFailed(e, err)
		return
	}

	w.mu.Lock()
	now := w.now()
	e.record.Status = types.ServiceHealthy
	e.record.FailureCount = 0
	e.record.LastHealthyAt = now
	e.record.GracePeriodLogged = false
	e.metric.StateChangeCount++
	e.metric.LastHealthyAt = now
	if !e.unhealthySince.IsZero() {
		e.metric.TotalDowntime += now.Sub(e.unhealthySince)
		e.unhealthySince = time.Time{}
	}
	w.mu.Unlock()

	log.Info().Str("service", e.Key).Msg("service restarted successfully")
	w.emit(types.EventServiceRestartSuccess, e.Key)
	w.notifier.Reset(e.Key)
	w.notifier.Notify(e.Key, notification.New(
		"watchdog",
		e.HumanName+" restarted",
		fmt.Sprintf("%s stopped responding and was restarted automatically.", e.HumanName),
		notification.SeverityInfo,
	))
}

func (w *Watchdog) restartFailed(e *entry, err error) {
	w.mu.Lock()
	e.record.Status = types.ServiceError
	e.metric.StateChangeCount++
	w.mu.Unlock()

	w.emit(types.EventServiceRestartFailed, e.Key)
	w.notifier.Notify(e.Key, notification.New(
		"watchdog",
		e.HumanName+" could not be restarted",
		fmt.Sprintf("Automatic restart of %s failed: %v", e.HumanName, err),
		notification.SeverityError,
	))
}

func (w *Watchdog) emit(event types.WatchdogEventType, key string) {
	if w.OnEvent != nil {
		w.OnEvent(event, key)
	}
}

// Snapshot returns copies of every service record.
func (w *Watchdog) Snapshot() []types.ServiceRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.ServiceRecord, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e.record)
	}
	return out
}

// Metrics returns a copy of the accumulated per-service counters.
func (w *Watchdog) Metrics() map[string]types.HealthMetric {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]types.HealthMetric, len(w.entries))
	for _, e := range w.entries {
		out[e.Key] = e.metric
	}
	return out
}
