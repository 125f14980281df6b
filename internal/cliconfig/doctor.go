// Package cliconfig implements cmd/pipeline's doctor diagnostics: a
// dependency-by-dependency connectivity check against every external
// system the fabric talks to, grounded on the teacher's
// internal/cliconfig.RunDoctorWithOptions/DoctorReport shape but checking
// infra reachability (Postgres, Kafka, CAS, Qdrant, Neo4j) plus whether a
// provider API key is configured.
package cliconfig

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/qdrant/go-client/qdrant"

	"github.com/chanforge/ingestfab/internal/config"
	"github.com/chanforge/ingestfab/internal/store/cas"
)

// DoctorStatus is the outcome of one check.
type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

// DoctorCheck is one named diagnostic result.
type DoctorCheck struct {
	Name    string
	Status  DoctorStatus
	Message string
}

// DoctorReport collects every check run in one doctor invocation.
type DoctorReport struct {
	Checks []DoctorCheck
}

// HasFailures reports whether any check in the report failed.
func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

// RunDoctor checks connectivity to every backing system named in cfg:
// Postgres, Kafka, the CAS bucket, Qdrant, and Neo4j, then checks that the
// provider API key is set (presence only; the provider API is not called).
// Each check has its own timeout so one unreachable dependency doesn't
// stall the others.
func RunDoctor(ctx context.Context, cfg config.Config) DoctorReport {
	report := DoctorReport{Checks: make([]DoctorCheck, 0, 6)}

	report.Checks = append(report.Checks, checkPostgres(ctx, cfg.Postgres))
	report.Checks = append(report.Checks, checkKafka(cfg.Streams))
	report.Checks = append(report.Checks, checkCAS(ctx, cfg.CAS))
	report.Checks = append(report.Checks, checkQdrant(ctx, cfg.Qdrant))
	report.Checks = append(report.Checks, checkNeo4j(ctx, cfg.Neo4j))
	report.Checks = append(report.Checks, checkProviders(cfg.Providers))

	return report
}

func checkPostgres(ctx context.Context, cfg config.PostgresConfig) DoctorCheck {
	if strings.TrimSpace(cfg.DSN) == "" {
		return DoctorCheck{Name: "postgres", Status: DoctorFail, Message: "postgres.dsn is empty"}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(dialCtx, cfg.DSN)
	if err != nil {
		return DoctorCheck{Name: "postgres", Status: DoctorFail, Message: fmt.Sprintf("connect: %v", err)}
	}
	defer pool.Close()
	if err := pool.Ping(dialCtx); err != nil {
		return DoctorCheck{Name: "postgres", Status: DoctorFail, Message: fmt.Sprintf("ping: %v", err)}
	}
	return DoctorCheck{Name: "postgres", Status: DoctorPass, Message: "connected"}
}

func checkKafka(cfg config.StreamsConfig) DoctorCheck {
	if strings.TrimSpace(cfg.Brokers) == "" {
		return DoctorCheck{Name: "kafka", Status: DoctorFail, Message: "streams.brokers is empty"}
	}
	var lastErr error
	for _, addr := range strings.Split(cfg.Brokers, ",") {
		conn, err := net.DialTimeout("tcp", strings.TrimSpace(addr), 5*time.Second)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return DoctorCheck{Name: "kafka", Status: DoctorPass, Message: fmt.Sprintf("reached broker %s", addr)}
	}
	return DoctorCheck{Name: "kafka", Status: DoctorFail, Message: fmt.Sprintf("no broker reachable: %v", lastErr)}
}

func checkCAS(ctx context.Context, cfg config.CASConfig) DoctorCheck {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return DoctorCheck{Name: "cas", Status: DoctorFail, Message: "cas.bucket is empty"}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := cas.Open(dialCtx, cas.Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint})
	if err != nil {
		return DoctorCheck{Name: "cas", Status: DoctorFail, Message: fmt.Sprintf("build client: %v", err)}
	}
	if err := store.HeadBucket(dialCtx); err != nil {
		return DoctorCheck{Name: "cas", Status: DoctorFail, Message: fmt.Sprintf("head bucket %s: %v", cfg.Bucket, err)}
	}
	return DoctorCheck{Name: "cas", Status: DoctorPass, Message: fmt.Sprintf("bucket %s reachable", cfg.Bucket)}
}

func checkQdrant(ctx context.Context, cfg config.QdrantConfig) DoctorCheck {
	if strings.TrimSpace(cfg.Host) == "" {
		return DoctorCheck{Name: "qdrant", Status: DoctorFail, Message: "qdrant.host is empty"}
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.Host, Port: cfg.Port, APIKey: cfg.APIKey, UseTLS: cfg.UseTLS})
	if err != nil {
		return DoctorCheck{Name: "qdrant", Status: DoctorFail, Message: fmt.Sprintf("build client: %v", err)}
	}
	defer client.Close()
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.CollectionExists(dialCtx, cfg.Collection); err != nil {
		return DoctorCheck{Name: "qdrant", Status: DoctorFail, Message: fmt.Sprintf("collection exists check: %v", err)}
	}
	return DoctorCheck{Name: "qdrant", Status: DoctorPass, Message: fmt.Sprintf("reached %s:%d", cfg.Host, cfg.Port)}
}

func checkNeo4j(ctx context.Context, cfg config.Neo4jConfig) DoctorCheck {
	if strings.TrimSpace(cfg.URI) == "" {
		return DoctorCheck{Name: "neo4j", Status: DoctorFail, Message: "neo4j.uri is empty"}
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return DoctorCheck{Name: "neo4j", Status: DoctorFail, Message: fmt.Sprintf("build driver: %v", err)}
	}
	defer driver.Close(ctx)
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(dialCtx); err != nil {
		return DoctorCheck{Name: "neo4j", Status: DoctorFail, Message: fmt.Sprintf("verify connectivity: %v", err)}
	}
	return DoctorCheck{Name: "neo4j", Status: DoctorPass, Message: fmt.Sprintf("reached %s", cfg.URI)}
}

func checkProviders(cfg config.ProvidersConfig) DoctorCheck {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return DoctorCheck{Name: "providers", Status: DoctorWarn, Message: "providers.apiKey is empty — tagging/vision/OCR/crawl/embedding calls will fail"}
	}
	return DoctorCheck{Name: "providers", Status: DoctorPass, Message: fmt.Sprintf("api base %s configured", cfg.APIBase)}
}
