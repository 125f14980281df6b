// Package providers defines the external collaborator interfaces the
// enrichment pipeline calls out to, and a couple of concrete clients for
// the vector and graph stores named in the data model. Keeping these as
// interfaces — rather than importing a vendor SDK directly into each
// stage — mirrors the teacher's memory.VectorStore split between
// interface and concrete QdrantStore implementation, generalized to the
// full set of providers a post can be sent to.
package providers

import "context"

// TagResult is one tagging provider's output for a post.
type TagResult struct {
	Tags       []string
	Confidence float64
}

// Tagger classifies a post's text into topic tags.
type Tagger interface {
	Tag(ctx context.Context, text string) (TagResult, error)
}

// VisionResult is a vision provider's structured description of an image.
type VisionResult struct {
	Description string
	Labels      []string
	Raw         map[string]any
}

// VisionAnalyzer describes the contents of an image.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, imageBytes []byte, mime string) (VisionResult, error)
}

// OCRResult is extracted text plus its source provider's confidence.
type OCRResult struct {
	Text       string
	Confidence float64
}

// OCR extracts text from an image, used as the vision stage's fallback
// whenever a primary vision provider call fails, open circuit included.
type OCR interface {
	Extract(ctx context.Context, imageBytes []byte, mime string) (OCRResult, error)
}

// CrawlResult is the fetched and extracted content of a linked page.
type CrawlResult struct {
	Title   string
	Text    string
	URL     string
	FetchedAt int64
}

// Crawler fetches and extracts readable content from a URL.
type Crawler interface {
	Crawl(ctx context.Context, url string) (CrawlResult, error)
}

// Embedder turns text into a fixed-dimension vector for the vector store.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorResult is one nearest-neighbor hit from a vector search.
type VectorResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// VectorStore indexes post embeddings for similarity search, the same
// shape as the teacher's memory.VectorStore interface.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Search(ctx context.Context, vector []float32, limit int) ([]VectorResult, error)
}

// GraphWriter projects a post and its relationships into the graph store:
// its channel and tags (UpsertPost) and its cluster membership
// (LinkToCluster). Author, forward-source, reply and mention relationships
// are not written.
type GraphWriter interface {
	UpsertPost(ctx context.Context, postUUID, channelUUID string, tags []string) error
	LinkToCluster(ctx context.Context, postUUID, clusterUUID string) error
}
