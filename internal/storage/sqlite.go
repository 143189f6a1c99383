package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// jst renders the display/grouping calendar date of a filing.
var jst = time.FixedZone("JST", 9*60*60)

// Store wraps the SQLite analysis cache. It exclusively owns persisted
// analyses; the rest of the system reads and writes only through it.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database in dataDir and brings the
// schema up to date. Pass ":memory:" as dataDir for an in-memory
// database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "kessan.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// WAL with relaxed flushing: cache entries are reconstructible by
	// re-running the analysis, so availability wins over durability.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates the analyses table and adds any columns the schema
// has gained since the database was written. Older databases upgrade in
// place, keeping their rows; new columns default to NULL.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS analyses (
		doc_url TEXT PRIMARY KEY,
		code TEXT,
		title TEXT,
		published_at TEXT,
		payload_json TEXT,
		created_at TEXT
	)`); err != nil {
		return fmt.Errorf("creating analyses table: %w", err)
	}

	newerColumns := []struct{ name, typ string }{
		{"model", "TEXT"},
		{"tokens", "INTEGER"},
		{"schema_version", "INTEGER"},
		{"code4", "TEXT"},
		{"published_date_jst", "TEXT"},
		{"doc_type", "TEXT"},
	}
	for _, col := range newerColumns {
		if err := s.ensureColumn("analyses", col.name, col.typ); err != nil {
			return err
		}
	}

	if _, err := s.db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_analyses_code4_date ON analyses(code4, published_date_jst)",
	); err != nil {
		return fmt.Errorf("creating code4/date index: %w", err)
	}
	return nil
}

// ensureColumn adds a column when the table predates it.
func (s *Store) ensureColumn(table, column, coltype string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("reading %s schema: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scanning %s schema: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, coltype)); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	return nil
}

// GetAnalysis returns the cached analysis for docURL. An empty URL or a
// missing row yields ErrNotFound, never a hard failure. Metadata fields
// absent from old rows are synthesized from the stored payload.
func (s *Store) GetAnalysis(docURL string) (Analysis, error) {
	if docURL == "" {
		return Analysis{}, ErrNotFound
	}

	var (
		a                      Analysis
		publishedAt, createdAt sql.NullString
		model, code4, dateJST  sql.NullString
		docType                sql.NullString
		tokens                 sql.NullInt64
		schemaVersion          sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT doc_url, code, title, published_at, payload_json, created_at,
		       model, tokens, schema_version, code4, published_date_jst, doc_type
		FROM analyses WHERE doc_url = ?`, docURL,
	).Scan(&a.DocURL, &a.Code, &a.Title, &publishedAt, &a.PayloadJSON, &createdAt,
		&model, &tokens, &schemaVersion, &code4, &dateJST, &docType)
	if err == sql.ErrNoRows {
		return Analysis{}, ErrNotFound
	}
	if err != nil {
		return Analysis{}, fmt.Errorf("querying analysis: %w", err)
	}

	a.PublishedAt = parseStoredTime(publishedAt.String)
	a.CreatedAt = parseStoredTime(createdAt.String)
	a.Model = model.String
	if tokens.Valid {
		v := tokens.Int64
		a.Tokens = &v
	}
	a.SchemaVersion = int(schemaVersion.Int64)
	a.Code4 = code4.String
	a.PublishedDateJST = dateJST.String
	a.DocType = docType.String

	a.fillFromPayload()
	return a, nil
}

// PutAnalysis stores the analysis result for docURL. Empty docURL is a
// no-op. The write upserts by primary key: repeated attempts for the
// same URL converge to one record, last writer wins. Derived columns
// are computed here so later queries never re-parse the payload.
func (s *Store) PutAnalysis(a Analysis) error {
	if a.DocURL == "" {
		return nil
	}

	a.fillFromPayload()
	if a.Code4 == "" {
		a.Code4 = deriveCode4(a.Code)
	}
	if a.PublishedDateJST == "" && !a.PublishedAt.IsZero() {
		a.PublishedDateJST = a.PublishedAt.In(jst).Format("2006-01-02")
	}
	if a.DocType == "" {
		a.DocType = ClassifyDocType(a.Title)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var publishedAt string
	if !a.PublishedAt.IsZero() {
		publishedAt = a.PublishedAt.UTC().Format(time.RFC3339)
	}
	var tokens any
	if a.Tokens != nil {
		tokens = *a.Tokens
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO analyses
		  (doc_url, code, title, published_at, payload_json, created_at,
		   model, tokens, schema_version, code4, published_date_jst, doc_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.DocURL, a.Code, a.Title, publishedAt, a.PayloadJSON,
		a.CreatedAt.UTC().Format(time.RFC3339),
		a.Model, tokens, a.SchemaVersion, a.Code4, a.PublishedDateJST, a.DocType,
	)
	if err != nil {
		return fmt.Errorf("storing analysis: %w", err)
	}
	return nil
}

// ListAnalysesByCode returns cached analyses for a 4-digit code, most
// recent filing date first, served by the (code4, published_date_jst)
// index.
func (s *Store) ListAnalysesByCode(code4 string, limit int) ([]Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT doc_url, code, title, published_at, payload_json, created_at,
		       model, tokens, schema_version, code4, published_date_jst, doc_type
		FROM analyses
		WHERE code4 = ?
		ORDER BY published_date_jst DESC, created_at DESC
		LIMIT ?`, code4, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying analyses for %s: %w", code4, err)
	}
	defer rows.Close()

	var results []Analysis
	for rows.Next() {
		var (
			a                      Analysis
			publishedAt, createdAt sql.NullString
			model, c4, dateJST     sql.NullString
			docType                sql.NullString
			tokens                 sql.NullInt64
			schemaVersion          sql.NullInt64
		)
		if err := rows.Scan(&a.DocURL, &a.Code, &a.Title, &publishedAt, &a.PayloadJSON, &createdAt,
			&model, &tokens, &schemaVersion, &c4, &dateJST, &docType); err != nil {
			return nil, fmt.Errorf("scanning analysis: %w", err)
		}
		a.PublishedAt = parseStoredTime(publishedAt.String)
		a.CreatedAt = parseStoredTime(createdAt.String)
		a.Model = model.String
		if tokens.Valid {
			v := tokens.Int64
			a.Tokens = &v
		}
		a.SchemaVersion = int(schemaVersion.Int64)
		a.Code4 = c4.String
		a.PublishedDateJST = dateJST.String
		a.DocType = docType.String
		a.fillFromPayload()
		results = append(results, a)
	}
	return results, rows.Err()
}

// CountAnalyses returns the number of cached analyses.
func (s *Store) CountAnalyses() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM analyses").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting analyses: %w", err)
	}
	return n, nil
}

func parseStoredTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// deriveCode4 truncates a security code to the 4-digit grouping key.
func deriveCode4(code string) string {
	c := strings.TrimSpace(code)
	if len(c) > 4 {
		c = c[:4]
	}
	return c
}

// ClassifyDocType maps a filing title to its coarse category.
func ClassifyDocType(title string) string {
	switch {
	case strings.Contains(title, "決算短信") || strings.Contains(title, "四半期決算") || strings.Contains(title, "通期決算"):
		return DocTypeKessan
	case strings.Contains(title, "説明資料") || strings.Contains(title, "説明会") || strings.Contains(title, "補足"):
		return DocTypeBriefing
	default:
		return DocTypeOther
	}
}
