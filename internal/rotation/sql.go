package rotation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	// Credential-update targets: PostgreSQL and MySQL.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/systmms/secretd/internal/logging"
)

// SQLActionConfig is the policy action_config for credential-update.
type SQLActionConfig struct {
	Driver   string `json:"driver"` // "postgres" or "mysql"
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	// Statement overrides the per-driver default. Rendered with .Username
	// and .Password; both are quote-escaped for the driver.
	Statement string `json:"statement,omitempty"`
}

// Default credential-update statements. ALTER USER takes no bind
// parameters in either engine, so values are escaped into the statement.
var defaultStatements = map[string]string{
	"postgres": `ALTER USER "{{.Username}}" WITH PASSWORD '{{.Password}}'`,
	"mysql":    `ALTER USER '{{.Username}}'@'%' IDENTIFIED BY '{{.Password}}'`,
}

// SQLAction rotates a database login's password.
type SQLAction struct {
	logger *logging.Logger

	// openDB is swapped by tests to inject a sqlmock connection.
	openDB func(driver, dsn string) (*sql.DB, error)
}

// NewSQLAction creates the credential-update action.
func NewSQLAction(logger *logging.Logger) *SQLAction {
	return &SQLAction{
		logger: logger,
		openDB: sql.Open,
	}
}

// Kind returns the action kind.
func (a *SQLAction) Kind() Kind { return KindCredentialUpdate }

// Apply sets the login's password to the new material inside a transaction
// and verifies the connection still answers afterwards. Retry-safe: setting
// the same password twice is a no-op for both engines.
func (a *SQLAction) Apply(ctx context.Context, req Request) error {
	var cfg SQLActionConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return fmt.Errorf("invalid credential-update config for %s: %w", req.SecretName, err)
	}
	if cfg.Driver != "postgres" && cfg.Driver != "mysql" {
		return fmt.Errorf("unsupported credential-update driver: %s", cfg.Driver)
	}
	if cfg.Username == "" {
		return fmt.Errorf("credential-update config for %s is missing username", req.SecretName)
	}

	stmtTemplate := cfg.Statement
	if stmtTemplate == "" {
		stmtTemplate = defaultStatements[cfg.Driver]
	}
	stmt, err := renderStatement(stmtTemplate, cfg.Driver, cfg.Username, string(req.NewValue))
	if err != nil {
		return fmt.Errorf("failed to render credential-update statement: %w", err)
	}

	db, err := a.openDB(cfg.Driver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open target database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach target database: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("credential update failed for user %s: %w", cfg.Username, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Confirm the connection still works after the change.
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("post-update verification failed: %w", err)
	}

	a.logger.Info("Updated credential for %s (user %s)", req.SecretName, cfg.Username)
	return nil
}

func renderStatement(tmpl, driver, username, password string) (string, error) {
	t, err := template.New("stmt").Parse(tmpl)
	if err != nil {
		return "", err
	}

	data := struct {
		Username string
		Password string
	}{
		Username: escapeIdent(driver, username),
		Password: escapeLiteral(password),
	}

	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func escapeIdent(driver, s string) string {
	if driver == "postgres" {
		return strings.ReplaceAll(s, `"`, `""`)
	}
	return strings.ReplaceAll(s, "'", "''")
}

func escapeLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", "''")
}
