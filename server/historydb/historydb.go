package historydb

// Package historydb keeps a log of the predictions that the server has made

import (
	"fmt"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

type HistoryDB struct {
	log logs.Log
	db  *gorm.DB
}

// Open or create a history DB
func NewHistoryDB(logger logs.Log, dbc dbh.DBConfig) (*HistoryDB, error) {
	if dbc.Driver == "" {
		dbc.Driver = dbh.DriverSqlite
	}
	logger.Infof("Opening history DB (%v)", dbc.LogSafeDescription())
	db, err := dbh.OpenDB(logger, dbc, Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open history database: %w", err)
	}
	return &HistoryDB{
		log: logger,
		db:  db,
	}, nil
}

// Open or create an SQLite history DB
func NewSqliteHistoryDB(logger logs.Log, filename string) (*HistoryDB, error) {
	return NewHistoryDB(logger, dbh.MakeSqliteConfig(filename))
}

func (h *HistoryDB) Close() {
	if sqlDB, err := h.db.DB(); err == nil {
		sqlDB.Close()
	}
}
