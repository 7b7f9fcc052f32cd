package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/recording"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/registry"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/repositories/models"
)

//Datastore is an interface that is used to inject the database into different components to improve testability
type Datastore interface {
	recording.Store
	registry.Store

	HasSummaryView() bool
}

//SummaryViewName is the name of the per recording statistics view
const SummaryViewName = "subscription_recording_summary"

type myDB struct {
	impl    *gorm.DB
	log     logging.Logger
	hasView bool
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//NewPostgreSQLConnector opens a connection to a postgresql database. A non empty dsn
//is used as is, otherwise the connection string is built from the environment.
func NewPostgreSQLConnector(dsn string, log logging.Logger) ConnectorFunc {
	dbHost := os.Getenv("OPCUA_GW_DB_HOST")
	username := os.Getenv("OPCUA_GW_DB_USER")
	dbName := os.Getenv("OPCUA_GW_DB_NAME")
	password := os.Getenv("OPCUA_GW_DB_PASSWORD")
	sslMode := getEnv("OPCUA_GW_DB_SSLMODE", "require")

	dbURI := dsn
	if dbURI == "" {
		dbURI = fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)
	}

	return func() (*gorm.DB, error) {
		var db *gorm.DB

		connect := func() error {
			log.Infof("Connecting to database host %s ...", dbHost)

			var err error
			db, err = gorm.Open(postgres.Open(dbURI), &gorm.Config{})
			if err != nil {
				log.Errorf("Failed to connect to database %s", err.Error())
			}
			return err
		}

		err := backoff.Retry(connect, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 20))
		if err != nil {
			return nil, err
		}

		return db, nil
	}
}

//NewSQLiteConnector opens a connection to a local sqlite database. An empty dsn selects a shared in memory database.
func NewSQLiteConnector(dsn string) ConnectorFunc {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}

	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
		}

		return db, err
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	db := &myDB{
		impl: impl,
		log:  log,
	}

	err = db.impl.AutoMigrate(&models.SubscriptionRecord{}, &models.SubscriptionValue{}, &models.RegisteredNode{})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err = db.createSummaryView(); err != nil {
		log.Warnf("Unable to create %s, summaries will be computed per record: %s", SummaryViewName, err.Error())
	} else {
		db.hasView = true
	}

	return db, nil
}

func (db *myDB) createSummaryView() error {
	create := "CREATE OR REPLACE VIEW"
	if db.impl.Dialector.Name() == "sqlite" {
		create = "CREATE VIEW IF NOT EXISTS"
	}

	stmt := create + " " + SummaryViewName + ` AS
	SELECT r.id, r.user_id, r.subscription_id, r.node_id, r.original_node_id, r.recording_name,
		r.is_recording, r.created_at, r.updated_at,
		COUNT(v.id) AS total_values,
		MIN(v.recorded_at) AS first_value_at,
		MAX(v.recorded_at) AS last_value_at
	FROM subscription_records r
	LEFT JOIN subscription_values v ON v.subscription_record_id = r.id
	GROUP BY r.id, r.user_id, r.subscription_id, r.node_id, r.original_node_id, r.recording_name,
		r.is_recording, r.created_at, r.updated_at`

	return db.impl.Exec(stmt).Error
}

func (db *myDB) HasSummaryView() bool {
	return db.hasView
}

func toRecord(m *models.SubscriptionRecord) *recording.Record {
	return &recording.Record{
		ID:             m.ID,
		UserID:         m.UserID,
		SubscriptionID: m.SubscriptionID,
		NodeHandle:     m.NodeID,
		OriginalNodeID: m.OriginalNodeID,
		Name:           m.RecordingName,
		IsRecording:    m.IsRecording,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (db *myDB) findRecord(query string, args ...interface{}) (*recording.Record, error) {
	rows := []models.SubscriptionRecord{}
	result := db.impl.Where(query, args...).Order("updated_at desc").Limit(1).Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return toRecord(&rows[0]), nil
}

func (db *myDB) FindActiveRecord(subscriptionID string) (*recording.Record, error) {
	return db.findRecord("subscription_id = ? AND is_recording = ?", subscriptionID, true)
}

func (db *myDB) FindInactiveRecord(userID, subscriptionID string) (*recording.Record, error) {
	return db.findRecord("user_id = ? AND subscription_id = ? AND is_recording = ?", userID, subscriptionID, false)
}

func (db *myDB) CreateRecord(rec *recording.Record) error {
	m := &models.SubscriptionRecord{
		UserID:         rec.UserID,
		SubscriptionID: rec.SubscriptionID,
		NodeID:         rec.NodeHandle,
		OriginalNodeID: rec.OriginalNodeID,
		RecordingName:  rec.Name,
		IsRecording:    rec.IsRecording,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}

	if err := db.impl.Create(m).Error; err != nil {
		return err
	}

	*rec = *toRecord(m)
	return nil
}

func (db *myDB) updateRecord(id uint, column string, value interface{}) error {
	result := db.impl.Model(&models.SubscriptionRecord{}).Where("id = ?", id).Update(column, value)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return recording.ErrRecordNotFound
	}
	return nil
}

func (db *myDB) SetRecording(id uint, active bool) error {
	return db.updateRecord(id, "is_recording", active)
}

func (db *myDB) RenameRecord(id uint, name string) error {
	return db.updateRecord(id, "recording_name", name)
}

func (db *myDB) GetRecord(id uint) (*recording.Record, error) {
	m := &models.SubscriptionRecord{}
	result := db.impl.Where("id = ?", id).First(m)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, recording.ErrRecordNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return toRecord(m), nil
}

func (db *myDB) RecordsByUser(userID string) ([]recording.Record, error) {
	rows := []models.SubscriptionRecord{}
	result := db.impl.Where("user_id = ?", userID).Order("created_at desc, id desc").Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	recs := make([]recording.Record, 0, len(rows))
	for i := range rows {
		recs = append(recs, *toRecord(&rows[i]))
	}
	return recs, nil
}

func (db *myDB) DeactivateAll() (int64, error) {
	result := db.impl.Model(&models.SubscriptionRecord{}).Where("is_recording = ?", true).Update("is_recording", false)
	return result.RowsAffected, result.Error
}

func (db *myDB) InsertValue(v *recording.Value) error {
	m := &models.SubscriptionValue{
		UserID:               v.UserID,
		SubscriptionRecordID: v.RecordID,
		SubscriptionID:       v.SubscriptionID,
		NodeID:               v.NodeHandle,
		OriginalNodeID:       v.OriginalNodeID,
		Value:                v.Value,
		DataType:             v.DataType,
		Quality:              v.Quality,
		SourceTimestamp:      v.SourceTimestamp,
		ServerTimestamp:      v.ServerTimestamp,
		RecordedAt:           v.RecordedAt,
	}

	if err := db.impl.Create(m).Error; err != nil {
		return err
	}

	v.ID = m.ID
	return nil
}

func (db *myDB) CountValues(recordID uint) (int64, error) {
	var count int64
	result := db.impl.Model(&models.SubscriptionValue{}).Where("subscription_record_id = ?", recordID).Count(&count)
	return count, result.Error
}

func (db *myDB) ValueSpan(recordID uint) (*time.Time, *time.Time, error) {
	first := []models.SubscriptionValue{}
	result := db.impl.Where("subscription_record_id = ?", recordID).Order("recorded_at asc").Limit(1).Find(&first)
	if result.Error != nil || len(first) == 0 {
		return nil, nil, result.Error
	}

	last := []models.SubscriptionValue{}
	result = db.impl.Where("subscription_record_id = ?", recordID).Order("recorded_at desc").Limit(1).Find(&last)
	if result.Error != nil || len(last) == 0 {
		return nil, nil, result.Error
	}

	return &first[0].RecordedAt, &last[0].RecordedAt, nil
}

func toValue(m *models.SubscriptionValue) recording.Value {
	return recording.Value{
		ID:              m.ID,
		RecordID:        m.SubscriptionRecordID,
		UserID:          m.UserID,
		SubscriptionID:  m.SubscriptionID,
		NodeHandle:      m.NodeID,
		OriginalNodeID:  m.OriginalNodeID,
		Value:           m.Value,
		DataType:        m.DataType,
		Quality:         m.Quality,
		SourceTimestamp: m.SourceTimestamp,
		ServerTimestamp: m.ServerTimestamp,
		RecordedAt:      m.RecordedAt,
	}
}

func (db *myDB) ListValues(recordID uint, q recording.ValueQuery) ([]recording.Value, error) {
	tx := db.impl.Where("subscription_record_id = ?", recordID)
	if q.From != nil {
		tx = tx.Where("recorded_at >= ?", *q.From)
	}
	if q.To != nil {
		tx = tx.Where("recorded_at <= ?", *q.To)
	}

	if q.Ascending {
		tx = tx.Order("recorded_at asc, id asc")
	} else {
		tx = tx.Order("recorded_at desc, id desc")
	}

	rows := []models.SubscriptionValue{}
	if err := tx.Limit(q.Limit).Offset(q.Offset).Find(&rows).Error; err != nil {
		return nil, err
	}

	values := make([]recording.Value, 0, len(rows))
	for i := range rows {
		values = append(values, toValue(&rows[i]))
	}
	return values, nil
}

func (db *myDB) DeleteValuesOlderThan(userID string, cutoff time.Time) (int64, error) {
	tx := db.impl.Where("recorded_at < ?", cutoff)
	if userID != "" {
		tx = tx.Where("user_id = ?", userID)
	}

	result := tx.Delete(&models.SubscriptionValue{})
	return result.RowsAffected, result.Error
}

func (db *myDB) DeleteRecordCascade(id uint) (int64, error) {
	var deleted int64

	err := db.impl.Transaction(func(tx *gorm.DB) error {
		values := tx.Where("subscription_record_id = ?", id).Delete(&models.SubscriptionValue{})
		if values.Error != nil {
			return values.Error
		}

		record := tx.Where("id = ?", id).Delete(&models.SubscriptionRecord{})
		if record.Error != nil {
			return record.Error
		}
		if record.RowsAffected == 0 {
			return recording.ErrRecordNotFound
		}

		deleted = values.RowsAffected
		return nil
	})

	return deleted, err
}

type summaryRow struct {
	ID             uint
	UserID         string
	SubscriptionID string
	NodeID         string
	OriginalNodeID string
	RecordingName  string
	IsRecording    bool
	CreatedAt      sql.NullString
	UpdatedAt      sql.NullString
	TotalValues    int64
	FirstValueAt   sql.NullString
	LastValueAt    sql.NullString
}

func (db *myDB) SummaryView(userID string) ([]recording.Summary, error) {
	if !db.hasView {
		return nil, recording.ErrSummaryViewUnavailable
	}

	rows := []summaryRow{}
	result := db.impl.Raw(
		"SELECT * FROM "+SummaryViewName+" WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID,
	).Scan(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	summaries := make([]recording.Summary, 0, len(rows))
	for _, row := range rows {
		rec := recording.Record{
			ID:             row.ID,
			UserID:         row.UserID,
			SubscriptionID: row.SubscriptionID,
			NodeHandle:     row.NodeID,
			OriginalNodeID: row.OriginalNodeID,
			Name:           row.RecordingName,
			IsRecording:    row.IsRecording,
		}
		if t := parseTimestamp(row.CreatedAt); t != nil {
			rec.CreatedAt = *t
		}
		if t := parseTimestamp(row.UpdatedAt); t != nil {
			rec.UpdatedAt = *t
		}

		summaries = append(summaries,
			recording.NewSummary(rec, row.TotalValues, parseTimestamp(row.FirstValueAt), parseTimestamp(row.LastValueAt)))
	}

	return summaries, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

//parseTimestamp reads aggregated timestamps, which some drivers hand back as text
func parseTimestamp(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}

	value := strings.TrimSpace(s.String)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}

	return nil
}

func (db *myDB) SaveRegistration(node registry.RegisteredNode) error {
	m := &models.RegisteredNode{}
	result := db.impl.Where("node_id = ?", node.NodeID).Limit(1).Find(m)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		m.NodeID = node.NodeID
		m.RegisteredID = node.Handle
		m.CreatedAt = node.CreatedAt
		return db.impl.Create(m).Error
	}

	return db.impl.Model(m).Update("registered_id", node.Handle).Error
}

func (db *myDB) DeleteRegistration(handle string) error {
	return db.impl.Where("registered_id = ?", handle).Delete(&models.RegisteredNode{}).Error
}

func (db *myDB) Registrations() ([]registry.RegisteredNode, error) {
	rows := []models.RegisteredNode{}
	if err := db.impl.Order("created_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	nodes := make([]registry.RegisteredNode, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, registry.RegisteredNode{NodeID: row.NodeID, Handle: row.RegisteredID, CreatedAt: row.CreatedAt})
	}
	return nodes, nil
}
