package sqlite

func (s Storage) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR NOT NULL PRIMARY KEY,
		auth TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS availability_windows (
		id VARCHAR NOT NULL PRIMARY KEY,
		weekday INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS slots (
		id VARCHAR NOT NULL,
		window_id VARCHAR NOT NULL,
		starts_at TIMESTAMP NOT NULL,
		ends_at TIMESTAMP NOT NULL,
		PRIMARY KEY (window_id, id),
		FOREIGN KEY (window_id) REFERENCES availability_windows (id)
	)`,
	`CREATE TABLE IF NOT EXISTS meetings (
		id VARCHAR NOT NULL PRIMARY KEY,
		title VARCHAR NOT NULL DEFAULT "",
		starts_at TIMESTAMP NOT NULL,
		ends_at TIMESTAMP NOT NULL,
		status VARCHAR NOT NULL,
		has_conflict BOOLEAN NOT NULL DEFAULT 0,
		conflict_details TEXT NOT NULL DEFAULT "[]"
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
		status VARCHAR NOT NULL,
		last_sync TIMESTAMP NULL DEFAULT NULL,
		last_error TEXT NOT NULL DEFAULT ""
	)`,
}
