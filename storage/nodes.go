package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// reservedKeyChars may not appear inside a path segment.
const reservedKeyChars = ".$#[]"

// CleanPath trims surrounding slashes and validates every segment.
// The empty string addresses the root of the tree.
func CleanPath(path string) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", nil
	}
	for _, segment := range strings.Split(path, "/") {
		if err := validateSegment(segment); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
		}
	}
	return path, nil
}

// JoinPath joins segments with "/" skipping empty parts.
func JoinPath(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "/")
}

func validateSegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("empty segment")
	}
	if strings.ContainsAny(segment, reservedKeyChars) {
		return fmt.Errorf("segment %q contains a reserved character", segment)
	}
	for _, r := range segment {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("segment %q contains a control character", segment)
		}
	}
	return nil
}

// ReadTree returns the JSON document rooted at path, or nil when nothing is
// stored at or below it.
func (s *Store) ReadTree(path string) (json.RawMessage, error) {
	path, err := CleanPath(path)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if path == "" {
		rows, err = s.db.Query(`SELECT path, value FROM nodes ORDER BY path`)
	} else {
		rows, err = s.db.Query(
			`SELECT path, value
			FROM nodes
			WHERE path = ? OR (path >= ? AND path < ?)
			ORDER BY path`,
			path,
			path+"/",
			path+"0",
		)
	}
	if err != nil {
		return nil, fmt.Errorf("read tree %q: %w", path, err)
	}
	defer rows.Close()

	var (
		root  = make(map[string]any)
		found bool
	)
	for rows.Next() {
		var leafPath, value string
		if err := rows.Scan(&leafPath, &value); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		found = true
		if leafPath == path {
			// A leaf at the requested path is the whole document.
			return json.RawMessage(value), nil
		}
		rel := leafPath
		if path != "" {
			rel = strings.TrimPrefix(leafPath, path+"/")
		}
		insertLeaf(root, strings.Split(rel, "/"), json.RawMessage(value))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	if !found {
		return nil, nil
	}

	doc, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("marshal tree %q: %w", path, err)
	}
	return doc, nil
}

// WriteTree replaces the subtree at path with value. A nil value or JSON null
// deletes the subtree.
func (s *Store) WriteTree(path string, value json.RawMessage) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("%w: cannot replace the root", ErrInvalidPath)
	}

	leaves := make(map[string]string)
	if err := flattenInto(leaves, path, value); err != nil {
		return err
	}

	return s.inWriteTx(func(tx *sql.Tx) error {
		return replaceSubtree(tx, path, leaves)
	})
}

// UpdateChildren replaces each named child of path in one transaction,
// leaving siblings untouched. A nil or null child value deletes that child.
func (s *Store) UpdateChildren(path string, children map[string]json.RawMessage) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}

	type childWrite struct {
		path   string
		leaves map[string]string
	}
	writes := make([]childWrite, 0, len(children))
	for name, value := range children {
		if err := validateSegment(name); err != nil {
			return fmt.Errorf("%w: child of %q: %v", ErrInvalidPath, path, err)
		}
		childPath := JoinPath(path, name)
		leaves := make(map[string]string)
		if err := flattenInto(leaves, childPath, value); err != nil {
			return err
		}
		writes = append(writes, childWrite{path: childPath, leaves: leaves})
	}

	return s.inWriteTx(func(tx *sql.Tx) error {
		for _, w := range writes {
			if err := replaceSubtree(tx, w.path, w.leaves); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inWriteTx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tree write: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tree write: %w", err)
	}
	return nil
}

func replaceSubtree(tx *sql.Tx, path string, leaves map[string]string) error {
	if _, err := tx.Exec(
		`DELETE FROM nodes WHERE path = ? OR (path >= ? AND path < ?)`,
		path,
		path+"/",
		path+"0",
	); err != nil {
		return fmt.Errorf("delete subtree %q: %w", path, err)
	}

	if len(leaves) == 0 {
		return nil
	}

	// A path is either a leaf or an interior node, never both.
	segments := strings.Split(path, "/")
	for i := 1; i < len(segments); i++ {
		ancestor := strings.Join(segments[:i], "/")
		if _, err := tx.Exec(`DELETE FROM nodes WHERE path = ?`, ancestor); err != nil {
			return fmt.Errorf("delete ancestor leaf %q: %w", ancestor, err)
		}
	}

	now := nowUnixMilli()
	for leafPath, value := range leaves {
		if _, err := tx.Exec(
			`INSERT INTO nodes (path, value, updated_at) VALUES (?, ?, ?)`,
			leafPath,
			value,
			now,
		); err != nil {
			return fmt.Errorf("insert node %q: %w", leafPath, err)
		}
	}
	return nil
}

// flattenInto decodes value and records one row per scalar leaf under path.
func flattenInto(out map[string]string, path string, value json.RawMessage) error {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidValue, path, err)
	}
	if decoder.More() {
		return fmt.Errorf("%w: %q: trailing data", ErrInvalidValue, path)
	}
	return flattenValue(out, path, decoded)
}

func flattenValue(out map[string]string, path string, value any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		for key, child := range v {
			if err := validateSegment(key); err != nil {
				return fmt.Errorf("%w: child of %q: %v", ErrInvalidPath, path, err)
			}
			if err := flattenValue(out, JoinPath(path, key), child); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range v {
			if err := flattenValue(out, JoinPath(path, strconv.Itoa(i)), child); err != nil {
				return err
			}
		}
		return nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidValue, path, err)
		}
		out[path] = string(raw)
		return nil
	}
}

func insertLeaf(node map[string]any, segments []string, value json.RawMessage) {
	for i, segment := range segments {
		if i == len(segments)-1 {
			node[segment] = value
			return
		}
		child, ok := node[segment].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[segment] = child
		}
		node = child
	}
}
