package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/maestro-rag/maestro/internal/llm"
	"github.com/maestro-rag/maestro/internal/rag"
	"go.uber.org/zap"
)

// TableStrategy answers comparison, list, and aggregation questions by
// extracting a structured table from the evidence before generating.
// When no table can be extracted it degrades to plain grounded
// generation over the same chunks.
type TableStrategy struct {
	retriever Retriever
	generator *Generator
	chat      Chat
	defaultK  int
	logger    *zap.Logger
}

// NewTableStrategy wires the table arm.
func NewTableStrategy(r Retriever, gen *Generator, chat Chat, defaultK int, logger *zap.Logger) *TableStrategy {
	if defaultK <= 0 {
		defaultK = 5
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &TableStrategy{retriever: r, generator: gen, chat: chat, defaultK: defaultK, logger: logger}
}

func (s *TableStrategy) Name() string { return "table" }

type extractedTable struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

func (t *extractedTable) empty() bool {
	return len(t.Columns) == 0 || len(t.Rows) == 0
}

// markdown renders the table for the generation prompt.
func (t *extractedTable) markdown() string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(t.Columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(t.Columns)) + "\n")
	for _, row := range t.Rows {
		cells := make([]string, len(t.Columns))
		for i := range cells {
			if i < len(row) {
				cells[i] = row[i]
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run retrieves, extracts a table, and generates with it as context.
func (s *TableStrategy) Run(ctx context.Context, q rag.Question, emit Emit) (*rag.Answer, error) {
	emit = safeEmit(emit)
	k := topK(q, s.defaultK)
	timings := rag.Timings{}

	emit(1, "Retrieving evidence for table extraction", nil)
	res, retrievalMs, err := s.retriever.Timed(ctx, q, k)
	if err != nil {
		return nil, err
	}
	timings["retrieval_ms"] = retrievalMs
	if len(res.Chunks) == 0 {
		return nil, rag.E("strategy.table", rag.KindNoEvidence, nil)
	}

	emit(2, "Extracting structured table", nil)
	extractStart := time.Now()
	table, extractComp, err := s.extractTable(ctx, q.Text, res.Chunks)
	timings.Observe("table_extraction_ms", extractStart)

	extra := ""
	if err != nil || table.empty() {
		// No extractable structure; answer from the chunks alone.
		s.logger.Debug("Table extraction produced nothing", zap.Error(err))
		emit(3, "No table found, answering from passages", nil)
	} else {
		extra = "Extracted table:\n" + table.markdown()
		emit(3, "Generating answer from table", map[string]interface{}{
			"columns": len(table.Columns),
			"rows":    len(table.Rows),
		})
	}

	genStart := time.Now()
	ans, err := s.generator.Generate(ctx, q.Text, res.Chunks, extra)
	if err != nil {
		return nil, err
	}
	timings.Observe("generation_ms", genStart)

	if extractComp != nil {
		ans.TokenUsage.Add(extractComp.Usage)
		ans.CostUSD += extractComp.CostUSD
	}
	for stage, ms := range timings {
		ans.Timings[stage] = ms
	}
	ans.Strategy = s.Name()
	return ans, nil
}

func (s *TableStrategy) extractTable(ctx context.Context, question string, chunks []rag.ScoredChunk) (*extractedTable, *llm.Completion, error) {
	var b strings.Builder
	for _, sc := range chunks {
		text := rag.Truncate(sc.Chunk.Text, maxContextChars)
		b.WriteString("[")
		b.WriteString(strings.TrimSpace(sc.Chunk.SourcePath))
		b.WriteString("] ")
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	var table extractedTable
	comp, err := s.chat.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: "Extract the data needed to answer the question as a table. " +
			`Respond with JSON: {"columns": ["..."], "rows": [["..."]]}. ` +
			"Return empty arrays if the passages hold no tabular data."},
		{Role: "user", Content: "Question: " + question + "\n\nPassages:\n" + b.String()},
	}, &table)
	if err != nil {
		return &table, comp, err
	}
	return &table, comp, nil
}
