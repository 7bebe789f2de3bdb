package dbcheck

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Target describes the database a credential is for.
type Target struct {
	Driver   string
	Host     string
	Port     int
	Database string
	SSLMode  string
	Params   map[string]string
}

var driverMap = map[string]string{
	"postgresql": "postgres",
	"postgres":   "postgres",
	"mysql":      "mysql",
	"mariadb":    "mysql",
}

// NormalizeDriver maps aliases to a registered database/sql driver name.
func NormalizeDriver(name string) (string, error) {
	driver, ok := driverMap[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unsupported database driver: %s", name)
	}
	return driver, nil
}

// DriverName returns the database/sql driver for t.
func (t Target) DriverName() (string, error) {
	return NormalizeDriver(t.Driver)
}

// ConnectionString assembles a DSN for the given login.
func (t Target) ConnectionString(username, password string) (string, error) {
	driver, err := t.DriverName()
	if err != nil {
		return "", err
	}
	if t.Host == "" {
		return "", fmt.Errorf("database host is required")
	}

	switch driver {
	case "postgres":
		return t.postgresDSN(username, password), nil
	case "mysql":
		return t.mysqlDSN(username, password), nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", t.Driver)
	}
}

func (t Target) port(defaultPort int) string {
	if t.Port > 0 {
		return strconv.Itoa(t.Port)
	}
	return strconv.Itoa(defaultPort)
}

// postgresDSN builds a URL so credentials with reserved characters survive.
func (t Target) postgresDSN(username, password string) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(username, password),
		Host:   net.JoinHostPort(t.Host, t.port(5432)),
		Path:   "/" + t.Database,
	}

	q := url.Values{}
	sslmode := t.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	q.Set("sslmode", sslmode)
	for k, v := range t.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (t Target) mysqlDSN(username, password string) string {
	cfg := mysql.NewConfig()
	cfg.User = username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(t.Host, t.port(3306))
	cfg.DBName = t.Database
	cfg.ParseTime = true

	switch t.SSLMode {
	case "", "disable":
	case "require":
		cfg.TLSConfig = "skip-verify"
	default:
		cfg.TLSConfig = "true"
	}

	if len(t.Params) > 0 {
		cfg.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN()
}

// Describe renders t without any credential, for logs and health output.
func (t Target) Describe() string {
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := fmt.Sprintf("%s://%s/%s", t.Driver, net.JoinHostPort(t.Host, t.port(defaultPort(t.Driver))), t.Database)
	if len(keys) > 0 {
		s += " (" + strings.Join(keys, ",") + ")"
	}
	return s
}

func defaultPort(driver string) int {
	if d, _ := NormalizeDriver(driver); d == "mysql" {
		return 3306
	}
	return 5432
}

// RedactConnectionString hides the password in a postgres URL or MySQL
// DSN. Strings in neither form are hidden entirely.
func RedactConnectionString(connStr string) string {
	if u, err := url.Parse(connStr); err == nil && u.Scheme != "" && u.User != nil {
		return u.Redacted()
	}
	if cfg, err := mysql.ParseDSN(connStr); err == nil && cfg.User != "" {
		if cfg.Passwd != "" {
			cfg.Passwd = "xxxxx"
		}
		return cfg.FormatDSN()
	}
	return "[REDACTED]"
}
