package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	Host string
	Port int
	// Collection over the ingested corpus chunks
	Collection string
	// Search params
	TopK      int
	Threshold float64
	Timeout   time.Duration
	// Expected embedding dimension (e.g., 1536 for text-embedding-3-small)
	ExpectedEmbeddingDim int
}

// Hit is a single search result with its stored payload.
type Hit struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertItem represents a single point to insert into Qdrant
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures basic Qdrant upsert response
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}
