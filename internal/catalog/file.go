// v0
// internal/catalog/file.go
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"hygienewatch/realtime/internal/model"
)

// FileCatalog reads location documents from a JSON file. The file holds
// either an array of documents or an object keyed by location id.
type FileCatalog struct {
	Path string
}

func (f FileCatalog) LoadAll(ctx context.Context) ([]model.LocationConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	docs, err := decodeDocuments(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCatalogUnavailable, f.Path, err)
	}
	return sortByID(Normalize(docs)), nil
}

func decodeDocuments(raw []byte) ([]model.LocationConfig, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var docs []model.LocationConfig
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var keyed map[string]model.LocationConfig
	if err := json.Unmarshal(trimmed, &keyed); err != nil {
		return nil, err
	}
	docs := make([]model.LocationConfig, 0, len(keyed))
	for id, doc := range keyed {
		doc.ID = id
		docs = append(docs, doc)
	}
	return docs, nil
}
