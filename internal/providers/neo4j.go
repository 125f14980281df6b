package providers

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig points a GraphStore at a database.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// GraphStore is the GraphWriter backing the post/channel/cluster
// relationship graph (C7's graph half), grounded on the example pack's
// Neo4j repository shape: a driver held for the process lifetime, one
// session opened per call, Cypher executed via ExecuteWrite.
type GraphStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewGraphStore dials the Neo4j endpoint described by cfg.
func NewGraphStore(ctx context.Context, cfg Neo4jConfig) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: new driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}
	db := cfg.Database
	if db == "" {
		db = "neo4j"
	}
	return &GraphStore{driver: driver, database: db}, nil
}

// Close releases the underlying driver's connection pool.
func (g *GraphStore) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// UpsertPost merges a Post node, its Channel relationship, and a Tag node
// plus TAGGED_WITH edge per tag. Merge semantics make this safe to call
// again whenever a post's tags are re-enriched.
func (g *GraphStore) UpsertPost(ctx context.Context, postUUID, channelUUID string, tags []string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: g.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (p:Post {uuid: $post})
			MERGE (c:Channel {uuid: $channel})
			MERGE (p)-[:POSTED_IN]->(c)
		`, map[string]any{"post": postUUID, "channel": channelUUID}); err != nil {
			return nil, err
		}
		for _, tag := range tags {
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {uuid: $post})
				MERGE (t:Tag {name: $tag})
				MERGE (p)-[:TAGGED_WITH]->(t)
			`, map[string]any{"post": postUUID, "tag": tag}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j: upsert post %s: %w", postUUID, err)
	}
	return nil
}

// LinkToCluster records that a post belongs to a trend cluster, used by
// the trend-detection stage (C-trend) once a cluster forms around it.
func (g *GraphStore) LinkToCluster(ctx context.Context, postUUID, clusterUUID string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: g.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, `
			MATCH (p:Post {uuid: $post})
			MERGE (cl:Cluster {uuid: $cluster})
			MERGE (p)-[:BELONGS_TO]->(cl)
		`, map[string]any{"post": postUUID, "cluster": clusterUUID})
	})
	if err != nil {
		return fmt.Errorf("neo4j: link post %s to cluster %s: %w", postUUID, clusterUUID, err)
	}
	return nil
}
