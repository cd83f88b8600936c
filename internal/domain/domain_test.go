package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExternalUserKeyStable(t *testing.T) {
	a := ExternalUserKey("alice@example.com")
	b := ExternalUserKey("alice@example.com")
	c := ExternalUserKey("bob@example.com")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestRecordTouch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Record{}
	r.Touch(now)

	assert.Equal(t, now.UnixMilli(), r.CreatedAt)
	assert.Equal(t, now.UnixMilli(), r.UpdatedAt)
	assert.Equal(t, now.UnixMilli(), r.LastSyncAt)

	later := now.Add(time.Hour)
	r.Touch(later)
	assert.Equal(t, now.UnixMilli(), r.CreatedAt, "created stays fixed")
	assert.Equal(t, later.UnixMilli(), r.UpdatedAt)
}

func TestToKafkaRecord(t *testing.T) {
	r := &Record{
		Key:                "k1",
		OrgKey:             "org1",
		ConnectorName:      "drive",
		RecordName:         "q3.xlsx",
		RecordType:         RecordTypeFile,
		ExternalRecordID:   "F1",
		ExternalRevisionID: "r1",
		Version:            2,
		Origin:             OriginConnector,
		VirtualRecordID:    "vr-abc",
	}
	kr := r.ToKafkaRecord()
	assert.Equal(t, "k1", kr.Key)
	assert.Equal(t, "F1", kr.ExternalRecordID)
	assert.Equal(t, int64(2), kr.Version)
	assert.Equal(t, "vr-abc", kr.VirtualRecordID)
}
