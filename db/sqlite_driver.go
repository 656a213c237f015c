package db

import (
	"database/sql"
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName registers go-sqlite3 with a REGEXP operator so the same
// queries run against SQLite and MySQL.
const SQLiteDriverName = "sqlite3_aoserv"

// patternCacheSize bounds the compiled REGEXP patterns kept across
// connections. REGEXP is evaluated once per row.
const patternCacheSize = 128

var patterns *lru.Cache[string, *regexp.Regexp]

func init() {
	var err error
	if patterns, err = lru.New[string, *regexp.Regexp](patternCacheSize); err != nil {
		panic(err)
	}

	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// SQLite rewrites "x REGEXP y" to regexp(y, x).
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

func regexpMatch(pattern, text string) (bool, error) {
	re, ok := patterns.Get(pattern)
	if !ok {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			return false, fmt.Errorf("invalid REGEXP pattern %q: %w", pattern, err)
		}
		patterns.Add(pattern, re)
	}
	return re.MatchString(text), nil
}
