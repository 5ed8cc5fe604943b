package store

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
)

// indexDoc is the searchable projection of one research record.
type indexDoc struct {
	StockID        string `json:"stock_id"`
	KeyFinding     string `json:"key_finding"`
	Reasoning      string `json:"reasoning"`
	Recommendation string `json:"recommendation"`
	FeedbackNotes  string `json:"feedback_notes"`
}

// IndexHit is one history-search result.
type IndexHit struct {
	RecordID string  `json:"record_id"`
	StockID  string  `json:"stock_id"`
	Score    float64 `json:"score"`
	Rank     int     `json:"rank"`
}

// Index is an in-memory BM25 index over research records. It is rebuilt
// from the file store at daemon start and updated on every append, so it
// carries no persistence of its own.
type Index struct {
	mu     sync.RWMutex
	bleve  bleve.Index
	stocks map[string]string // record id -> stock id
	logger *log.Logger
}

func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating history index: %w", err)
	}
	return &Index{
		bleve:  idx,
		stocks: make(map[string]string),
		logger: log.New(log.Writer(), "[INDEX] ", log.LstdFlags),
	}, nil
}

func indexDocFromRecord(stockID string, record map[string]interface{}) indexDoc {
	result := mapField(record, "research_result")
	feedback := mapField(record, "user_feedback")
	return indexDoc{
		StockID:        NormalizeStockID(stockID),
		KeyFinding:     stringField(result, "key_finding", ""),
		Reasoning:      stringField(result, "reasoning", ""),
		Recommendation: stringField(result, "recommendation", ""),
		FeedbackNotes:  stringField(feedback, "notes", ""),
	}
}

// IndexRecord adds or refreshes one record.
func (ix *Index) IndexRecord(stockID string, record map[string]interface{}) error {
	id := stringField(record, "id", "")
	if id == "" {
		return fmt.Errorf("record has no id")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.bleve.Index(id, indexDocFromRecord(stockID, record)); err != nil {
		return err
	}
	ix.stocks[id] = NormalizeStockID(stockID)
	return nil
}

// RemoveStock drops every indexed record for a stock; pairs with
// Store.DeleteStock.
func (ix *Index) RemoveStock(stockID string) {
	normalized := NormalizeStockID(stockID)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for recordID, owner := range ix.stocks {
		if owner != normalized {
			continue
		}
		if err := ix.bleve.Delete(recordID); err != nil {
			ix.logger.Printf("dropping %s from index: %v", recordID, err)
		}
		delete(ix.stocks, recordID)
	}
}

// Rebuild replays the store's full history into the index.
func (ix *Index) Rebuild(s *Store) error {
	stocks, err := s.ListStocks()
	if err != nil {
		return err
	}
	for _, stock := range stocks {
		records, err := s.History(stock.StockID)
		if err != nil {
			ix.logger.Printf("skipping %s history: %v", stock.StockID, err)
			continue
		}
		for _, r := range records {
			if err := ix.IndexRecord(stock.StockID, r); err != nil {
				ix.logger.Printf("indexing %s record: %v", stock.StockID, err)
			}
		}
	}
	return nil
}

// Search returns up to topK records ranked by BM25. A non-empty stockID
// confines hits to that stock.
func (ix *Index) Search(query, stockID string, topK int) ([]IndexHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	normalized := ""
	if stockID != "" {
		normalized = NormalizeStockID(stockID)
	}

	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, topK*3, 0, false)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	res, err := ix.bleve.Search(req)
	if err != nil {
		return nil, err
	}

	var hits []IndexHit
	for _, hit := range res.Hits {
		owner := ix.stocks[hit.ID]
		if normalized != "" && owner != normalized {
			continue
		}
		hits = append(hits, IndexHit{
			RecordID: hit.ID,
			StockID:  owner,
			Score:    hit.Score,
			Rank:     len(hits) + 1,
		})
		if len(hits) >= topK {
			break
		}
	}
	return hits, nil
}
