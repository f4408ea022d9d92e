package models

import "time"

type TurnRecord struct {
	ID             string
	SessionID      string
	Utterance      string
	IntentCategory string
	Confidence     float64
	Status         string
	Response       string
	FailureReason  string
	Attempts       int
	ExecAttempts   int
	LatencyMS      int
	CreatedAt      time.Time
}

type CandidateRecord struct {
	ID        int
	TurnID    string
	Attempt   int
	QueryText string
	Allowed   bool
	Reason    string
	CreatedAt time.Time
}

type CatalogColumn struct {
	TableName  string
	ColumnName string
	ColumnType string
	Sensitive  bool
}
