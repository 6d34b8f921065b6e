package pgstore

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mcdev12/cuehall/go/internal/store"
)

// classify attaches a store.Kind to a database error. Errors that already carry a kind pass
// through unchanged.
func classify(op, coll string, err error) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	return store.E(kindOf(err), op, coll, err)
}

func kindOf(err error) store.Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return store.KindTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return kindOfCode(pgErr.Code)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return store.KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return store.KindTimeout
		}
		return store.KindNetwork
	}
	return store.KindUnknown
}

// kindOfCode maps SQLSTATE codes.
func kindOfCode(code string) store.Kind {
	switch code {
	case "23505", "40001", "40P01":
		return store.KindConflict
	case "42501":
		return store.KindPermission
	case "28000", "28P01":
		return store.KindAuth
	case "23502", "23514":
		return store.KindShape
	case "57014":
		return store.KindTimeout
	case "57P01", "57P02", "57P03":
		return store.KindNetwork
	}
	switch {
	case strings.HasPrefix(code, "08"):
		return store.KindNetwork
	case strings.HasPrefix(code, "22"):
		return store.KindShape
	}
	return store.KindUnknown
}
