// v0
// internal/catalog/dynamo.go
package catalog

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"hygienewatch/realtime/internal/model"
)

// DefaultTable is the collection holding location documents.
const DefaultTable = "location_configs"

// DynamoCatalog scans the location_configs table. Items are keyed by id and
// carry name and location attributes.
type DynamoCatalog struct {
	Client    dynamodb.ScanAPIClient
	TableName string
}

// NewDynamoCatalog resolves AWS credentials and region from the default
// chain (environment, shared config, instance role).
func NewDynamoCatalog(ctx context.Context, table string) (*DynamoCatalog, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if table == "" {
		table = DefaultTable
	}
	return &DynamoCatalog{Client: dynamodb.NewFromConfig(cfg), TableName: table}, nil
}

func (c *DynamoCatalog) LoadAll(ctx context.Context) ([]model.LocationConfig, error) {
	if c.Client == nil {
		return nil, fmt.Errorf("%w: dynamodb client is not initialized", ErrCatalogUnavailable)
	}
	input := &dynamodb.ScanInput{TableName: aws.String(c.TableName)}
	pages := dynamodb.NewScanPaginator(c.Client, input)

	var docs []model.LocationConfig
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrCatalogUnavailable, c.TableName, err)
		}
		var batch []model.LocationConfig
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &batch); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrCatalogUnavailable, c.TableName, err)
		}
		docs = append(docs, batch...)
	}
	return sortByID(Normalize(docs)), nil
}
