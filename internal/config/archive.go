package config

import (
	"errors"
	"fmt"
	"net/url"
)

// DSN returns the lib/pq connection string for the ledger database.
func (p PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// validate checks the archive settings. Nothing is required while archiving is off.
func (a ArchiveConfig) validate() []error {
	if !a.Enabled {
		return nil
	}
	var errs []error
	if a.MinIO.Endpoint == "" {
		errs = append(errs, errors.New("archive.minio.endpoint is required when archiving"))
	}
	if a.MinIO.Bucket == "" {
		errs = append(errs, errors.New("archive.minio.bucket is required when archiving"))
	}
	if a.Postgres.Enabled {
		if a.Postgres.Host == "" {
			errs = append(errs, errors.New("archive.postgres.host is required for the ledger"))
		}
		if a.Postgres.Database == "" {
			errs = append(errs, errors.New("archive.postgres.database is required for the ledger"))
		}
		if a.Postgres.Port <= 0 {
			errs = append(errs, fmt.Errorf("invalid archive.postgres.port: %d", a.Postgres.Port))
		}
	}
	return errs
}
