package store

import (
	"context"
	"errors"
)

// OpRecorder はストア操作の結果を記録する。
type OpRecorder interface {
	RecordStoreOp(op string, err error)
}

// Instrumented はStore操作をOpRecorderに記録するデコレータ。
type Instrumented struct {
	Store
	rec OpRecorder
}

// Instrument はsの各操作をrecに記録するStoreを返す。
func Instrument(s Store, rec OpRecorder) *Instrumented {
	return &Instrumented{Store: s, rec: rec}
}

func (s *Instrumented) Get(ctx context.Context, path string) (Snapshot, error) {
	snap, err := s.Store.Get(ctx, path)
	s.rec.RecordStoreOp("get", err)
	return snap, err
}

func (s *Instrumented) Set(ctx context.Context, path string, value any) error {
	err := s.Store.Set(ctx, path, value)
	s.rec.RecordStoreOp("set", err)
	return err
}

func (s *Instrumented) Update(ctx context.Context, path string, fields map[string]any) error {
	err := s.Store.Update(ctx, path, fields)
	s.rec.RecordStoreOp("update", err)
	return err
}

func (s *Instrumented) Remove(ctx context.Context, path string) error {
	err := s.Store.Remove(ctx, path)
	s.rec.RecordStoreOp("remove", err)
	return err
}

func (s *Instrumented) Query(ctx context.Context, q Query) (Snapshot, error) {
	snap, err := s.Store.Query(ctx, q)
	s.rec.RecordStoreOp("query", err)
	return snap, err
}

func (s *Instrumented) Subscribe(q Query, onValue func(Snapshot), onError func(error)) (Subscription, error) {
	sub, err := s.Store.Subscribe(q, onValue, func(err error) {
		s.rec.RecordStoreOp("subscribe", err)
		if onError != nil {
			onError(err)
		}
	})
	if err != nil {
		s.rec.RecordStoreOp("subscribe", err)
	}
	return sub, err
}

// CountDistinctSince は内側のStoreがAggregatorを実装している場合のみ委譲する。
func (s *Instrumented) CountDistinctSince(ctx context.Context, collection, field, timeField string, since int64) (int, error) {
	agg, ok := s.Store.(Aggregator)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	n, err := agg.CountDistinctSince(ctx, collection, field, timeField, since)
	s.rec.RecordStoreOp("aggregate", err)
	return n, err
}
