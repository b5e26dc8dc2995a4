package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
)

// Dialer opens new database sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// DBDialer dials dedicated *sql.Conn sessions from a *sql.DB. The pool owns
// the sessions it dials, so the *sql.DB should be configured with
// SetMaxIdleConns(0) and SetMaxOpenConns at least the pool maximum.
type DBDialer struct {
	DB *sql.DB
}

// Dial takes a dedicated session from the underlying *sql.DB.
func (d DBDialer) Dial(ctx context.Context) (Conn, error) {
	return d.DB.Conn(ctx)
}

type rawConn interface {
	Raw(f func(driverConn any) error) error
}

// closeConn closes a session for good. A *sql.Conn handed back with Close
// may be parked in the *sql.DB idle list; reporting driver.ErrBadConn
// through Raw makes database/sql drop the driver connection instead.
func closeConn(conn Conn) error {
	if rc, ok := conn.(rawConn); ok {
		err := rc.Raw(func(any) error { return driver.ErrBadConn })
		if err != nil && !errors.Is(err, driver.ErrBadConn) && !errors.Is(err, sql.ErrConnDone) {
			return err
		}
		return nil
	}
	return conn.Close()
}
