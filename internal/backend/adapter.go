// Package backend holds the adapters that write readings to their final
// destination. Adapters never retry on their own; retrying is the job of the
// write-ahead queue in front of them.
package backend

import (
	"context"
	"errors"
	"fmt"

	"sensorbridge/internal/config"
	"sensorbridge/internal/logging"
	"sensorbridge/internal/models"

	"github.com/rs/zerolog"
)

var (
	// ErrAdapterInit marks a backend that could not be constructed.
	ErrAdapterInit = errors.New("backend init failed")

	// ErrClosed is wrapped by writes issued after Close.
	ErrClosed = errors.New("backend is closed")
)

// Adapter writes readings to a backend. SaveBatch is all-or-nothing per call.
// Close is idempotent.
type Adapter interface {
	Save(ctx context.Context, r *models.Reading) error
	SaveBatch(ctx context.Context, rs []*models.Reading) error
	Close() error
}

// Pinger is implemented by adapters that can check reachability without
// writing anything.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendError is returned by adapters for every failed write.
type BackendError struct {
	Kind string
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Kind, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func wrapErr(kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Kind: kind, Op: op, Err: err}
}

func initErr(kind string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAdapterInit, kind, err)
}

// New builds the adapter selected by cfg.Kind. A disabled backend yields a nil
// adapter and no error.
func New(ctx context.Context, cfg config.BackendConfig, logger *zerolog.Logger) (Adapter, error) {
	log := logging.Component(logger, "backend")

	var (
		adapter Adapter
		err     error
	)
	switch cfg.Kind {
	case config.KindDisabled:
		log.Info().Msg("backend disabled")
		return nil, nil
	case config.KindRelational:
		switch cfg.Relational.Driver {
		case config.DriverSQLite, "":
			adapter, err = unwrapNil(NewSQLite(cfg.Relational.Path, log))
		case config.DriverPostgres:
			adapter, err = unwrapNil(NewPostgres(ctx, cfg.Relational.DSN, log))
		default:
			err = initErr(cfg.Kind, fmt.Errorf("unknown driver %q", cfg.Relational.Driver))
		}
	case config.KindTimeSeries:
		adapter, err = unwrapNil(NewInflux(cfg.TimeSeries, log))
	case config.KindFlatFile:
		adapter, err = unwrapNil(NewCSV(cfg.FlatFile.Path, log))
	default:
		err = initErr(cfg.Kind, errors.New("unknown backend kind"))
	}
	if err != nil {
		log.Error().Err(err).Str("kind", cfg.Kind).Msg("backend init failed")
		return nil, err
	}
	return adapter, nil
}

// unwrapNil keeps a typed nil pointer out of the returned interface.
func unwrapNil[T Adapter](a T, err error) (Adapter, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}
