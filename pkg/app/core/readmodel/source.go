package readmodel

import (
	"context"

	"github.com/uhyunpark/tokenbook/pkg/app/core/eventlog"
)

// LocalSource serves events straight from an in-process log
type LocalSource struct {
	Log *eventlog.Log
}

func (s LocalSource) Head(_ context.Context) (uint64, error) {
	seq, _ := s.Log.Head()
	return seq, nil
}

func (s LocalSource) Fetch(_ context.Context, from uint64, limit int) ([]eventlog.Event, error) {
	return s.Log.Range(from, limit), nil
}

var _ EventSource = LocalSource{}
