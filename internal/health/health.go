// Package health implements the liveness and readiness probes.
package health

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ansible-runner-service/internal/metrics"
	"ansible-runner-service/internal/queue"
)

const versionTimeout = 5 * time.Second

var corePattern = regexp.MustCompile(`\[core ([^\]]+)\]`)

// CheckResult is one dependency's readiness verdict.
type CheckResult struct {
	OK        bool    `json:"ok"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Readiness is the full readiness payload. Ready is true only when both
// stores answered a trivial roundtrip.
type Readiness struct {
	Ready          bool        `json:"ready"`
	Redis          CheckResult `json:"redis"`
	Database       CheckResult `json:"database"`
	QueueDepth     int64       `json:"queue_depth"`
	AnsibleVersion string      `json:"ansible_version,omitempty"`
}

// Checker probes the service's dependencies.
type Checker struct {
	redis  *redis.Client
	db     *sqlx.DB
	queue  *queue.Queue
	logger zerolog.Logger

	// cached after the first successful probe, the binary does not change
	// under a running process
	ansibleVersion string
}

func NewChecker(redisClient *redis.Client, db *sqlx.DB, q *queue.Queue, logger zerolog.Logger) *Checker {
	return &Checker{
		redis:  redisClient,
		db:     db,
		queue:  q,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Ready runs every dependency probe and assembles the readiness payload.
func (c *Checker) Ready(ctx context.Context) Readiness {
	r := Readiness{
		Redis:    c.checkRedis(ctx),
		Database: c.checkDatabase(ctx),
	}
	r.Ready = r.Redis.OK && r.Database.OK

	if r.Redis.OK {
		if depth, err := c.queue.Depth(ctx); err == nil {
			r.QueueDepth = depth
			metrics.QueueDepth.Set(float64(depth))
		}
	}
	r.AnsibleVersion = c.cachedAnsibleVersion(ctx)
	return r
}

func (c *Checker) checkRedis(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.redis.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Redis probe failed")
		return CheckResult{Error: err.Error(), LatencyMS: elapsedMS(start)}
	}
	return CheckResult{OK: true, LatencyMS: elapsedMS(start)}
}

func (c *Checker) checkDatabase(ctx context.Context) CheckResult {
	start := time.Now()
	var one int
	if err := c.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		c.logger.Warn().Err(err).Msg("Database probe failed")
		return CheckResult{Error: err.Error(), LatencyMS: elapsedMS(start)}
	}
	return CheckResult{OK: true, LatencyMS: elapsedMS(start)}
}

func (c *Checker) cachedAnsibleVersion(ctx context.Context) string {
	if c.ansibleVersion != "" {
		return c.ansibleVersion
	}
	version, err := AnsibleVersion(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not determine ansible version")
		return ""
	}
	c.ansibleVersion = version
	return version
}

// AnsibleVersion reports the installed Ansible core version, parsed from
// the first line of ansible --version.
func AnsibleVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, "ansible", "--version").Output()
	if err != nil {
		return "", err
	}
	return parseAnsibleVersion(string(output)), nil
}

// parseAnsibleVersion extracts the core version from output whose first
// line looks like "ansible [core 2.16.3]".
func parseAnsibleVersion(output string) string {
	firstLine, _, _ := strings.Cut(output, "\n")
	if match := corePattern.FindStringSubmatch(firstLine); match != nil {
		return match[1]
	}
	return strings.TrimSpace(firstLine)
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
