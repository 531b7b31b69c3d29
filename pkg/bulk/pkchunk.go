package bulk

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/query"
	"go.uber.org/zap"
)

// IDBounds returns the lowest and highest primary key of object, or empty
// strings when the object has no rows.
func (c *Controller) IDBounds(ctx context.Context, stream, object, primaryKey string) (string, string, error) {
	lo, err := c.boundary(ctx, stream, object, primaryKey, "ASC")
	if err != nil || lo == "" {
		return "", "", err
	}
	hi, err := c.boundary(ctx, stream, object, primaryKey, "DESC")
	if err != nil {
		return "", "", err
	}
	return lo, hi, nil
}

func (c *Controller) boundary(ctx context.Context, stream, object, primaryKey, direction string) (string, error) {
	soql := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s %s LIMIT 1", primaryKey, object, primaryKey, direction)
	page, err := c.client.Query(ctx, stream, soql)
	if err != nil {
		return "", err
	}
	if len(page.Records) == 0 {
		return "", nil
	}
	id, ok := page.Records[0][primaryKey].(string)
	if !ok {
		return "", errors.Newf(errors.ErrorTypeBulk, "stream %s: %s is not a string id", stream, primaryKey)
	}
	return id, nil
}

// IDRangeQueries renders spec once per primary key range of at most chunkSize ids.
func (c *Controller) IDRangeQueries(ctx context.Context, planner *query.Planner, spec query.Spec, chunkSize int) ([]string, error) {
	lo, hi, err := c.IDBounds(ctx, spec.Stream, spec.Object, spec.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if lo == "" {
		return nil, nil
	}

	ranges, err := query.ChunkIDRange(lo, hi, chunkSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBulk, "planning id ranges").WithDetail("stream", spec.Stream)
	}
	c.logger.Info("chunking by primary key",
		zap.String("stream", spec.Stream),
		zap.String("first_id", lo),
		zap.String("last_id", hi),
		zap.Int("chunks", len(ranges)))

	queries := make([]string, len(ranges))
	for i, r := range ranges {
		s := spec
		s.Where = r.Where(spec.PrimaryKey)
		if spec.Where != "" {
			s.Where = spec.Where + " AND " + s.Where
		}
		queries[i] = planner.Build(s)
	}
	return queries, nil
}
