package models

// FundingRecord is the persisted trail of an admitted request. Rows are
// inserted when a request clears admission and updated with the transaction
// hash once funding reaches a terminal state. Old rows are reaped by a
// periodic task after the configured retention.
type FundingRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RequestID string `gorm:"size:36;uniqueIndex"`
	IP        string `gorm:"size:64;index:idx_funding_records_ip"`
	Address   string `gorm:"size:80;index:idx_funding_records_address"`
	Amount    int64

	// InsertedUnixSecs is when the request was admitted.
	InsertedUnixSecs int64 `gorm:"index:idx_funding_records_inserted"`

	// CompletedUnixSecs is when the request reached a terminal state;
	// zero means still in flight, negative is never written.
	CompletedUnixSecs int64

	// Succeeded records whether the terminal state was a confirmation.
	Succeeded bool

	// TxnHashes is the comma-joined list of submitted transaction hashes.
	TxnHashes string `gorm:"size:512"`
}

// TableName fixes the table name regardless of gorm pluralization settings.
func (FundingRecord) TableName() string { return "funding_records" }
