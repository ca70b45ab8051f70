package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveCredential inserts a new credential row. It returns ErrAlreadyExists
// when the identifier is taken.
func (s *Store) SaveCredential(cred Credential) error {
	if cred.Identifier == "" {
		return errors.New("identifier is required")
	}
	if cred.SecretHash == "" {
		return errors.New("secret_hash is required")
	}
	if cred.CreatedAt == 0 {
		cred.CreatedAt = nowUnixMilli()
	}
	if cred.UpdatedAt == 0 {
		cred.UpdatedAt = cred.CreatedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO credentials (
			identifier,
			secret_hash,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?)`,
		cred.Identifier,
		cred.SecretHash,
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert credential %q: %w", cred.Identifier, err)
	}

	return nil
}

// GetCredential fetches the credential for identifier.
func (s *Store) GetCredential(identifier string) (*Credential, error) {
	row := s.db.QueryRow(
		`SELECT identifier, secret_hash, created_at, updated_at
		FROM credentials
		WHERE identifier = ?`,
		identifier,
	)

	var cred Credential
	if err := row.Scan(&cred.Identifier, &cred.SecretHash, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential %q: %w", identifier, err)
	}

	return &cred, nil
}

// UpdateCredentialSecret replaces the stored hash for identifier.
func (s *Store) UpdateCredentialSecret(identifier, secretHash string) error {
	if identifier == "" {
		return errors.New("identifier is required")
	}
	if secretHash == "" {
		return errors.New("secret_hash is required")
	}

	res, err := s.db.Exec(
		`UPDATE credentials
		SET secret_hash = ?, updated_at = ?
		WHERE identifier = ?`,
		secretHash,
		nowUnixMilli(),
		identifier,
	)
	if err != nil {
		return fmt.Errorf("update credential %q: %w", identifier, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for credential %q: %w", identifier, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteCredential removes the credential for identifier.
func (s *Store) DeleteCredential(identifier string) error {
	res, err := s.db.Exec(`DELETE FROM credentials WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("delete credential %q: %w", identifier, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for credential %q: %w", identifier, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
