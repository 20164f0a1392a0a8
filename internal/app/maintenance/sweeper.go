package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/gpubroker/internal/database"
	"github.com/charlesng35/gpubroker/internal/monitoring"
	"github.com/charlesng35/gpubroker/internal/services"
	"github.com/charlesng35/gpubroker/pkg/logger"
)

const (
	JobExpireSessions = "expire_sessions"
	JobHostPresence   = "host_presence"
	JobTunnelGC       = "tunnel_gc"
	JobVerifyAudit    = "verify_audit_chain"
	JobCacheGC        = "cache_gc"

	// CacheGCInterval is how often expired rate limit counters are purged.
	CacheGCInterval = 10 * time.Minute

	defaultSweepSpec  = "@every 30s"
	defaultTunnelSpec = "@every 1m"
	defaultAuditSpec  = "@hourly"
	jobTimeout        = 2 * time.Minute
)

// SessionExpirer fails or expires sessions that outlived their heartbeat or duration.
type SessionExpirer interface {
	ExpireStaleSessions(ctx context.Context) (int, error)
}

// PresenceSweeper marks hosts offline once their heartbeat lapses.
type PresenceSweeper interface {
	SweepPresence(ctx context.Context) (int, error)
}

// TunnelCollector revokes expired relay credentials.
type TunnelCollector interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ChainVerifier checks the audit hash chain over a range.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, rng services.ChainRange) (services.ChainVerification, error)
}

// CachePurger drops expired entries from the database-backed cache.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper runs the broker's periodic jobs. A nil dependency disables its job.
type Sweeper struct {
	db       *gorm.DB
	sessions SessionExpirer
	hosts    PresenceSweeper
	tunnels  TunnelCollector
	audit    ChainVerifier
	cache    CachePurger
	cron     *cron.Cron
	log      *zap.Logger

	sweepSchedule  string
	tunnelSchedule string
	auditSchedule  string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSessionExpiry enables the stale session job.
func WithSessionExpiry(expirer SessionExpirer) Option {
	return func(s *Sweeper) { s.sessions = expirer }
}

// WithHostPresence enables the host presence job.
func WithHostPresence(hosts PresenceSweeper) Option {
	return func(s *Sweeper) { s.hosts = hosts }
}

// WithTunnelGC enables expired credential collection.
func WithTunnelGC(tunnels TunnelCollector) Option {
	return func(s *Sweeper) { s.tunnels = tunnels }
}

// WithChainVerification enables periodic audit chain verification. Progress is
// checkpointed in system settings so each run only walks new entries.
func WithChainVerification(audit ChainVerifier) Option {
	return func(s *Sweeper) { s.audit = audit }
}

// WithCacheGC enables purging of expired database cache entries.
func WithCacheGC(cache CachePurger) Option {
	return func(s *Sweeper) { s.cache = cache }
}

// WithSweepInterval sets how often sessions and host presence are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.sweepSchedule = fmt.Sprintf("@every %s", d)
		}
	}
}

// WithAuditSchedule overrides the cron schedule for chain verification.
func WithAuditSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.auditSchedule = spec
		}
	}
}

// NewSweeper constructs a Sweeper with sensible defaults.
func NewSweeper(db *gorm.DB, opts ...Option) *Sweeper {
	s := &Sweeper{
		db:             db,
		sweepSchedule:  defaultSweepSpec,
		tunnelSchedule: defaultTunnelSpec,
		auditSchedule:  defaultAuditSpec,
		log:            logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	}
	return s
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) (string, error)
}

func (s *Sweeper) jobs() []job {
	var jobs []job
	if s.sessions != nil {
		jobs = append(jobs, job{JobExpireSessions, s.sweepSchedule, s.expireSessions})
	}
	if s.hosts != nil {
		jobs = append(jobs, job{JobHostPresence, s.sweepSchedule, s.sweepPresence})
	}
	if s.tunnels != nil {
		jobs = append(jobs, job{JobTunnelGC, s.tunnelSchedule, s.collectTunnels})
	}
	if s.audit != nil && s.db != nil {
		jobs = append(jobs, job{JobVerifyAudit, s.auditSchedule, s.verifyChain})
	}
	if s.cache != nil {
		jobs = append(jobs, job{JobCacheGC, fmt.Sprintf("@every %s", CacheGCInterval), s.purgeCache})
	}
	return jobs
}

// Start registers the enabled jobs and launches the scheduler.
func (s *Sweeper) Start() error {
	jobs := s.jobs()
	if len(jobs) == 0 {
		return nil
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := s.execute(ctx, j); err != nil {
				s.log.Warn("maintenance job failed", zap.String("job", j.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance: schedule %s: %w", j.name, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// RunOnce executes every enabled job sequentially. Used in tests and during graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs error
	for _, j := range s.jobs() {
		errs = multierr.Append(errs, s.execute(ctx, j))
	}
	return errs
}

func (s *Sweeper) execute(ctx context.Context, j job) error {
	start := time.Now()
	message, err := j.run(ctx)
	result := "success"
	if err != nil {
		result = "failure"
		message = err.Error()
	}
	monitoring.RecordMaintenanceRun(j.name, result, message, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	return nil
}

func (s *Sweeper) expireSessions(ctx context.Context) (string, error) {
	n, err := s.sessions.ExpireStaleSessions(ctx)
	if n > 0 {
		s.log.Info("stale sessions closed", zap.Int("count", n))
	}
	return fmt.Sprintf("%d sessions closed", n), err
}

func (s *Sweeper) sweepPresence(ctx context.Context) (string, error) {
	n, err := s.hosts.SweepPresence(ctx)
	if n > 0 {
		s.log.Info("hosts marked offline", zap.Int("count", n))
	}
	return fmt.Sprintf("%d hosts offline", n), err
}

func (s *Sweeper) collectTunnels(ctx context.Context) (string, error) {
	n, err := s.tunnels.SweepExpired(ctx)
	return fmt.Sprintf("%d tunnels expired", n), err
}

func (s *Sweeper) purgeCache(ctx context.Context) (string, error) {
	n, err := s.cache.PurgeExpired(ctx)
	return fmt.Sprintf("%d cache entries purged", n), err
}

// ErrChainBroken is returned by the verification job when the audit chain fails to verify.
var ErrChainBroken = errors.New("maintenance: audit chain broken")

func (s *Sweeper) verifyChain(ctx context.Context) (string, error) {
	checkpoint, err := database.AuditCheckpoint(ctx, s.db)
	if err != nil {
		return "", err
	}

	result, err := s.audit.VerifyChain(ctx, services.ChainRange{FromSeq: checkpoint + 1})
	if err != nil {
		return "", err
	}
	if !result.Valid {
		s.log.Error("audit chain verification failed",
			zap.Uint64("broken_at", *result.BrokenAt),
			zap.Uint64("checkpoint", checkpoint),
		)
		return "", fmt.Errorf("%w at seq %d", ErrChainBroken, *result.BrokenAt)
	}

	if result.HeadSeq > checkpoint {
		if err := database.SetAuditCheckpoint(ctx, s.db, result.HeadSeq); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d entries verified", result.Checked), nil
}
