package metrics

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Connection pool health (health endpoint)
// =============================================================================

type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

// PoolReport summarises one connection pool.
type PoolReport struct {
	Status      PoolHealthStatus `json:"status"`
	Open        int              `json:"open"`
	InUse       int              `json:"in_use"`
	Idle        int              `json:"idle"`
	Max         int              `json:"max"`
	Utilization float64          `json:"utilization"`
	WaitCount   int64            `json:"wait_count,omitempty"`
	Timeouts    uint32           `json:"timeouts,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// SQLPoolReport assesses a database/sql pool.
func SQLPoolReport(db *sql.DB) PoolReport {
	if db == nil {
		return PoolReport{Status: PoolUnhealthy, Message: "not configured"}
	}
	s := db.Stats()
	r := PoolReport{
		Open:      s.OpenConnections,
		InUse:     s.InUse,
		Idle:      s.Idle,
		Max:       s.MaxOpenConnections,
		WaitCount: s.WaitCount,
	}
	r.assess(s.WaitCount > 0 && s.WaitDuration > 5*time.Second)
	return r
}

// RedisPoolReport assesses a go-redis pool.
func RedisPoolReport(client *redis.Client) PoolReport {
	if client == nil {
		return PoolReport{Status: PoolUnhealthy, Message: "not configured"}
	}
	s := client.PoolStats()
	r := PoolReport{
		Open:     int(s.TotalConns),
		Idle:     int(s.IdleConns),
		InUse:    int(s.TotalConns) - int(s.IdleConns),
		Max:      client.Options().PoolSize,
		Timeouts: s.Timeouts,
	}
	r.assess(s.Timeouts > 0)
	return r
}

func (r *PoolReport) assess(waiting bool) {
	if r.Max > 0 {
		r.Utilization = float64(r.InUse) / float64(r.Max)
	}
	switch {
	case r.Utilization >= 0.95:
		r.Status, r.Message = PoolUnhealthy, "pool nearly exhausted"
	case r.Utilization >= 0.80:
		r.Status, r.Message = PoolDegraded, "high pool utilization"
	default:
		r.Status = PoolHealthy
	}
	if waiting && r.Status == PoolHealthy {
		r.Status, r.Message = PoolDegraded, "elevated connection wait times"
	}
}
