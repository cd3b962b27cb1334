package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Storage errors.
var (
	ErrNotFound = errors.New("not found")
)

// schema is the ordered list of migrations. The applied version is kept in
// the config table; new revisions append a slice and never edit old ones.
var schema = [][]string{
	{
		`CREATE TABLE config (key TEXT PRIMARY KEY, value TEXT)`,
		`CREATE TABLE trusted_devices (identifier TEXT PRIMARY KEY, certificate TEXT, name TEXT, type TEXT)`,
		`CREATE TABLE notifications (reference TEXT, identifier TEXT, text TEXT,
		  title TEXT, application TEXT, PRIMARY KEY (identifier, reference),
		  FOREIGN KEY (identifier) REFERENCES trusted_devices (identifier) ON DELETE CASCADE)`,
		`CREATE INDEX notification_identifier ON notifications (identifier)`,
	},
	{
		`ALTER TABLE notifications ADD COLUMN cancel INTEGER DEFAULT 0`,
	},
	{
		`CREATE TABLE commands (key TEXT PRIMARY KEY, identifier TEXT, name TEXT, command TEXT,
		  FOREIGN KEY (identifier) REFERENCES trusted_devices (identifier) ON DELETE CASCADE)`,
	},
	{
		`ALTER TABLE trusted_devices ADD COLUMN path TEXT`,
	},
}

// Device is a persisted trusted-device record. Presence of a row is the
// definition of "trusted".
type Device struct {
	Identifier  string
	Certificate string
	Name        string
	Type        string
	Path        string
}

// Notification is a persisted notification awaiting replay. Cancel marks a
// tombstone: the next replay emits a cancel packet and deletes the row.
type Notification struct {
	Identifier  string
	Reference   string
	Text        string
	Title       string
	Application string
	Cancel      bool
}

// Command is one remotely executable shell command offered to a peer.
type Command struct {
	Key        string
	Identifier string
	Name       string
	Command    string
}

// Store is the sqlite-backed trust store. All mutating operations are
// serialised behind one mutex so concurrent sessions can share it.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (and migrates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps in-memory databases coherent and makes the
	// mutex the only serialisation point.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:  db,
		log: logrus.WithField("component", "storage"),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	version := -1
	if v, err := s.LoadConfig("schema"); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			version = n
		}
	}

	for index, queries := range schema {
		if index <= version {
			continue
		}
		for _, query := range queries {
			if _, err := s.db.Exec(query); err != nil {
				return fmt.Errorf("migrate to version %d: %w", index, err)
			}
		}
		version = index
		s.log.WithField("version", index).Debug("Applied schema migration")
	}

	return s.SaveConfig("schema", strconv.Itoa(version))
}

// LoadConfig reads a small settings value from the config table.
func (s *Store) LoadConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

// SaveConfig upserts a small settings value.
func (s *Store) SaveConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// IsTrusted reports whether a trusted-device row exists for identifier.
func (s *Store) IsTrusted(identifier string) bool {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM trusted_devices WHERE identifier = ?`,
		identifier).Scan(&count); err != nil {
		return false
	}
	return count == 1
}

// ListTrusted returns all trusted devices.
func (s *Store) ListTrusted() ([]Device, error) {
	rows, err := s.db.Query(`SELECT identifier, name, type, COALESCE(path, '') FROM trusted_devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.Identifier, &d.Name, &d.Type, &d.Path); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Pair stores (or refreshes) a trusted-device row with the certificate
// captured at pairing time. Concurrent pairings of the same id race; the
// last writer wins and overwrites the stored certificate.
func (s *Store) Pair(identifier, certificate, name, deviceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO trusted_devices (identifier, certificate, name, type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
		  certificate = excluded.certificate, name = excluded.name, type = excluded.type`,
		identifier, certificate, name, deviceType)
	return err
}

// Unpair deletes the trusted-device row; notifications and commands cascade.
func (s *Store) Unpair(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM trusted_devices WHERE identifier = ?`, identifier)
	return err
}

// UpdateDevice refreshes the name and type of an existing trusted device.
func (s *Store) UpdateDevice(identifier, name, deviceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE trusted_devices SET name = ?, type = ? WHERE identifier = ?`,
		name, deviceType, identifier)
	return err
}

// PersistNotification upserts a notification on (identifier, reference).
func (s *Store) PersistNotification(identifier, text, title, application, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO notifications (identifier, text, title, application, reference)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identifier, reference) DO UPDATE SET
		  text = excluded.text, title = excluded.title, application = excluded.application, cancel = 0`,
		identifier, text, title, application, reference)
	return err
}

// CancelNotification tombstones a notification so the next replay emits a
// cancel to the peer before the row is dismissed.
func (s *Store) CancelNotification(identifier, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE notifications SET cancel = 1 WHERE identifier = ? AND reference = ?`,
		identifier, reference)
	return err
}

// DismissNotification deletes a notification row.
func (s *Store) DismissNotification(identifier, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM notifications WHERE identifier = ? AND reference = ?`,
		identifier, reference)
	return err
}

// ListNotifications returns all pending notifications for a device,
// tombstoned ones included.
func (s *Store) ListNotifications(identifier string) ([]Notification, error) {
	rows, err := s.db.Query(`SELECT reference, text, title, application, cancel
		FROM notifications WHERE identifier = ? ORDER BY rowid`, identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		n := Notification{Identifier: identifier}
		var cancel int
		if err := rows.Scan(&n.Reference, &n.Text, &n.Title, &n.Application, &cancel); err != nil {
			return nil, err
		}
		n.Cancel = cancel != 0
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// AddCommand inserts a command into a device's catalog.
func (s *Store) AddCommand(identifier, key, name, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO commands (key, identifier, name, command) VALUES (?, ?, ?, ?)`,
		key, identifier, name, command)
	return err
}

// UpdateCommand rewrites the name and command text of an existing entry.
func (s *Store) UpdateCommand(identifier, key, name, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE commands SET name = ?, command = ? WHERE identifier = ? AND key = ?`,
		name, command, identifier, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveCommand deletes one command.
func (s *Store) RemoveCommand(identifier, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM commands WHERE identifier = ? AND key = ?`, identifier, key)
	return err
}

// RemoveCommands deletes a device's whole catalog.
func (s *Store) RemoveCommands(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM commands WHERE identifier = ?`, identifier)
	return err
}

// GetCommand returns the shell text of one command.
func (s *Store) GetCommand(identifier, key string) (string, error) {
	var command string
	err := s.db.QueryRow(`SELECT command FROM commands WHERE identifier = ? AND key = ?`,
		identifier, key).Scan(&command)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return command, err
}

// ListCommands returns a device's command catalog.
func (s *Store) ListCommands(identifier string) ([]Command, error) {
	rows, err := s.db.Query(`SELECT key, name, command FROM commands WHERE identifier = ?`, identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		c := Command{Identifier: identifier}
		if err := rows.Scan(&c.Key, &c.Name, &c.Command); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// GetPath returns the share destination directory for a device, empty when
// unset.
func (s *Store) GetPath(identifier string) (string, error) {
	var path sql.NullString
	err := s.db.QueryRow(`SELECT path FROM trusted_devices WHERE identifier = ?`,
		identifier).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return path.String, nil
}

// SetPath sets the share destination directory for a device.
func (s *Store) SetPath(identifier, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE trusted_devices SET path = ? WHERE identifier = ?`, path, identifier)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
