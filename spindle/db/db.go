package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

const memory = ":memory:"

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	if dbPath != memory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	if dbPath == memory {
		// every connection would get its own empty database otherwise
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists pipelines (
			-- identifiers
			rkey text primary key,

			-- trigger
			event text not null,
			branch text not null default '',
			sha text not null default '',
			trigger_json text not null,

			-- status
			status text not null default 'pending',
			jobs integer not null default 0,
			error text not null default '',

			started_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text not null default ''
		);

		-- status event for a single job instance
		create table if not exists events (
			rkey text not null,
			pipeline text not null,
			job text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);

		create index if not exists events_pipeline on events (pipeline, job);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
