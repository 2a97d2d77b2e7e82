package sporenet

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidCredentials is returned when an account exists but the
	// password does not match.
	ErrInvalidCredentials = errors.New("sporenet: invalid credentials")

	// ErrPersonaExists is returned when creating a persona whose name
	// is already taken.
	ErrPersonaExists = errors.New("sporenet: persona name taken")

	// ErrPersonaNotFound is returned when a persona lookup misses.
	ErrPersonaNotFound = errors.New("sporenet: persona not found")
)

// User is one registered account.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login"`
}

// Persona is one named character slot on an account.
type Persona struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomCategory is one entry of the seeded lobby room catalog.
type RoomCategory struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

// Store holds accounts, personas, per-user settings and the room
// catalog.
type Store struct {
	db *Database
}

// NewStore opens the store, migrates the schema and seeds the room
// catalog.
func NewStore(dbPath string) (*Store, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: database}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	if err := s.seedDefaults(); err != nil {
		return nil, fmt.Errorf("failed to seed store: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_login DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS personas (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT UNIQUE NOT NULL COLLATE NOCASE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS user_settings (
			user_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, key),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS room_categories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			capacity INTEGER NOT NULL DEFAULT 64
		);

		CREATE INDEX IF NOT EXISTS idx_personas_user_id ON personas(user_id);
		CREATE INDEX IF NOT EXISTS idx_settings_user_id ON user_settings(user_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("store schema migrated")
	return nil
}

// seedDefaults creates the lobby room catalog if it is empty.
func (s *Store) seedDefaults() error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM room_categories").Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		for _, cat := range []RoomCategory{
			{Name: "Lobby", Capacity: 256},
			{Name: "Co-op", Capacity: 64},
			{Name: "PvP", Capacity: 64},
		} {
			if _, err := tx.Exec(
				"INSERT INTO room_categories (name, capacity) VALUES (?, ?)",
				cat.Name, cat.Capacity,
			); err != nil {
				return err
			}
		}
		log.Debug().Msg("room catalog seeded")
		return nil
	})
}

// Authenticate verifies an email/password pair. Unknown accounts are
// registered on first login, matching the original server's
// auto-provisioning behaviour.
func (s *Store) Authenticate(email, password string) (*User, error) {
	u := &User{}
	var stored string
	err := s.db.QueryRow(
		"SELECT id, email, password, created_at, last_login FROM users WHERE email = ?",
		email,
	).Scan(&u.ID, &u.Email, &stored, &u.CreatedAt, &u.LastLogin)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.register(email, password)
	case err != nil:
		return nil, fmt.Errorf("sporenet: lookup user: %w", err)
	}

	if stored != password {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec("UPDATE users SET last_login = ? WHERE id = ?", now, u.ID); err != nil {
		log.Warn().Err(err).Int64("user", u.ID).Msg("failed to record login time")
	}
	u.LastLogin = now
	return u, nil
}

func (s *Store) register(email, password string) (*User, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		"INSERT INTO users (email, password, created_at, last_login) VALUES (?, ?, ?, ?)",
		email, password, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("sporenet: register user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sporenet: register user: %w", err)
	}

	log.Info().Str("email", email).Int64("user", id).Msg("account auto-registered")
	return &User{ID: id, Email: email, CreatedAt: now, LastLogin: now}, nil
}

// UserByID fetches one account.
func (s *Store) UserByID(id int64) (*User, error) {
	u := &User{}
	var stored string
	err := s.db.QueryRow(
		"SELECT id, email, password, created_at, last_login FROM users WHERE id = ?",
		id,
	).Scan(&u.ID, &u.Email, &stored, &u.CreatedAt, &u.LastLogin)
	if err != nil {
		return nil, fmt.Errorf("sporenet: user %d: %w", id, err)
	}
	return u, nil
}

// CreatePersona adds a named persona to an account. Names are unique
// across the whole store, case-insensitively.
func (s *Store) CreatePersona(userID int64, name string) (*Persona, error) {
	var existing int64
	err := s.db.QueryRow("SELECT id FROM personas WHERE name = ?", name).Scan(&existing)
	if err == nil {
		return nil, ErrPersonaExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sporenet: persona lookup: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(
		"INSERT INTO personas (user_id, name, created_at) VALUES (?, ?, ?)",
		userID, name, now,
	)
	if err != nil {
		return nil, fmt.Errorf("sporenet: create persona: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sporenet: create persona: %w", err)
	}
	return &Persona{ID: id, UserID: userID, Name: name, CreatedAt: now}, nil
}

// Personas lists an account's personas, oldest first.
func (s *Store) Personas(userID int64) ([]Persona, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, name, created_at FROM personas WHERE user_id = ? ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sporenet: list personas: %w", err)
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		var p Persona
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("sporenet: scan persona: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PersonaByName resolves a persona by its unique name.
func (s *Store) PersonaByName(name string) (*Persona, error) {
	p := &Persona{}
	err := s.db.QueryRow(
		"SELECT id, user_id, name, created_at FROM personas WHERE name = ?",
		name,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPersonaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sporenet: persona %q: %w", name, err)
	}
	return p, nil
}

// SaveSetting upserts one per-user setting.
func (s *Store) SaveSetting(userID int64, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO user_settings (user_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value`,
		userID, key, value,
	)
	if err != nil {
		return fmt.Errorf("sporenet: save setting %s: %w", key, err)
	}
	return nil
}

// Settings loads every setting for an account.
func (s *Store) Settings(userID int64) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM user_settings WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("sporenet: load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sporenet: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Stats summarizes the store contents.
type Stats struct {
	Users    int
	Personas int
}

// Stat counts registered users and personas.
func (s *Store) Stat() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&st.Users); err != nil {
		return st, fmt.Errorf("sporenet: count users: %w", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM personas").Scan(&st.Personas); err != nil {
		return st, fmt.Errorf("sporenet: count personas: %w", err)
	}
	return st, nil
}

// RoomCategories lists the seeded lobby catalog.
func (s *Store) RoomCategories() ([]RoomCategory, error) {
	rows, err := s.db.Query("SELECT id, name, capacity FROM room_categories ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("sporenet: room catalog: %w", err)
	}
	defer rows.Close()

	var out []RoomCategory
	for rows.Next() {
		var c RoomCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.Capacity); err != nil {
			return nil, fmt.Errorf("sporenet: scan room category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
