// Package reportstore archives finished run reports in a local leveldb.
package reportstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pyropy/starstream/core/observer"
	"github.com/vmihailenco/msgpack/v5"
)

const prefix = "/reports"

var (
	ErrReportNotFound = errors.New("report not found")
	ErrEmptyRunID     = errors.New("report has no run id")
)

type ReportStore struct {
	Reports *dslvl.Datastore
}

func New(dsPath string) (*ReportStore, error) {
	store, err := dslvl.NewDatastore(fmt.Sprintf("%s/reports", dsPath), nil)
	if err != nil {
		return nil, err
	}

	return &ReportStore{
		Reports: store,
	}, nil
}

func key(runID string) ds.Key {
	return ds.NewKey(prefix).ChildString(runID)
}

func (s *ReportStore) Put(ctx context.Context, report observer.Report) error {
	if report.RunID == "" {
		return ErrEmptyRunID
	}

	b, err := msgpack.Marshal(&report)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", report.RunID, err)
	}

	return s.Reports.Put(ctx, key(report.RunID), b)
}

func (s *ReportStore) Has(ctx context.Context, runID string) (bool, error) {
	return s.Reports.Has(ctx, key(runID))
}

func (s *ReportStore) Get(ctx context.Context, runID string) (*observer.Report, error) {
	b, err := s.Reports.Get(ctx, key(runID))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	var report observer.Report
	if err := msgpack.Unmarshal(b, &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", runID, err)
	}

	return &report, nil
}

// All returns every archived report, oldest first.
func (s *ReportStore) All(ctx context.Context) ([]*observer.Report, error) {
	reports := make([]*observer.Report, 0)

	res, err := s.Reports.Query(ctx, dsq.Query{Prefix: prefix})
	if err != nil {
		return reports, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return reports, r.Error
		}

		var report observer.Report
		if err := msgpack.Unmarshal(r.Value, &report); err != nil {
			return reports, fmt.Errorf("decode report %s: %w", r.Key, err)
		}
		reports = append(reports, &report)
	}

	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].CreatedAt < reports[j].CreatedAt
	})

	return reports, nil
}

func (s *ReportStore) Close() error {
	return s.Reports.Close()
}
