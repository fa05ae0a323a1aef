// Logic for connecting to the database.
package db

import (
	"database/sql"
	"sync"
)

var mu sync.Mutex

// Conn is the shared connection used by all database queries. The job store,
// failure log and dispatch join table all prepare their statements on it.
var Conn *sql.DB

// Connector establishes a connection to a Postgres database, with the given
// number of connections, and stores the connection in conn.
type Connector interface {
	Connect(conn *sql.DB, dbConns int) error
}

// Connected returns true if a connection exists to the database.
func Connected() bool {
	mu.Lock()
	defer mu.Unlock()
	return Conn != nil
}
