package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/widgetd/dbopen"
	"github.com/hazyhaar/widgetd/idgen"
	"github.com/hazyhaar/widgetd/widget"
)

const widgetColumns = `widget_id, incarnation_id, title, source_kind, source_address, source_html,
	level, transparent, decorated, is_open, x, y, width, height, created_at, updated_at`

// InsertWidget stores a new widget config together with its initial
// modifiers in one transaction. A taken widget id yields
// *widget.DuplicateWidgetIDError and leaves the store untouched.
// Missing modifier ids are minted; timestamps are stamped on c and mods.
func (s *Store) InsertWidget(ctx context.Context, c *widget.Config, mods []widget.Modifier) error {
	now := s.nowMilli()
	c.CreatedAt, c.UpdatedAt = now, now

	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO widgets (`+widgetColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.Incarnation, c.Title, string(c.Source.Kind), c.Source.Address, c.Source.HTML,
			string(c.Level), boolInt(c.Transparent), boolInt(c.Decorated), boolInt(c.Open),
			c.Bounds.X, c.Bounds.Y, c.Bounds.Width, c.Bounds.Height, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			if dbopen.IsConstraint(err) {
				return &widget.DuplicateWidgetIDError{WidgetID: c.ID}
			}
			return fmt.Errorf("store: insert widget: %w", err)
		}
		for i := range mods {
			m := &mods[i]
			m.WidgetID = c.ID
			if m.ID == "" {
				m.ID = idgen.Modifier()
			}
			m.CreatedAt = now
			if err := insertModifier(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// GetWidget returns the config for id or *widget.NotFoundError.
func (s *Store) GetWidget(ctx context.Context, id string) (*widget.Config, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+widgetColumns+` FROM widgets WHERE widget_id = ?`, id)
	c, err := scanWidget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &widget.NotFoundError{Kind: "widget", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get widget: %w", err)
	}
	return c, nil
}

// ListWidgets returns every stored widget config ordered by creation.
func (s *Store) ListWidgets(ctx context.Context) ([]*widget.Config, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+widgetColumns+` FROM widgets ORDER BY created_at ASC, widget_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list widgets: %w", err)
	}
	defer rows.Close()

	var out []*widget.Config
	for rows.Next() {
		c, err := scanWidget(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan widget: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountWidgets returns the number of stored widgets whose id is not in
// except.
func (s *Store) CountWidgets(ctx context.Context, except ...string) (int, error) {
	query := `SELECT COUNT(*) FROM widgets`
	args := make([]any, len(except))
	if len(except) > 0 {
		query += ` WHERE widget_id NOT IN (?` + strings.Repeat(",?", len(except)-1) + `)`
		for i, id := range except {
			args[i] = id
		}
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count widgets: %w", err)
	}
	return n, nil
}

// SetOpen records whether the widget should have a live surface.
func (s *Store) SetOpen(ctx context.Context, id string, open bool) error {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE widgets SET is_open = ?, updated_at = ? WHERE widget_id = ?`,
		boolInt(open), s.nowMilli(), id)
	if err != nil {
		return fmt.Errorf("store: set open: %w", err)
	}
	return requireRow(res, "widget", id)
}

// UpdateBounds writes the layout of a widget back to storage.
func (s *Store) UpdateBounds(ctx context.Context, id string, b widget.Bounds) error {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE widgets SET x = ?, y = ?, width = ?, height = ?, updated_at = ? WHERE widget_id = ?`,
		b.X, b.Y, b.Width, b.Height, s.nowMilli(), id)
	if err != nil {
		return fmt.Errorf("store: update bounds: %w", err)
	}
	return requireRow(res, "widget", id)
}

// UpdateSettings applies a partial settings update and returns the new config.
func (s *Store) UpdateSettings(ctx context.Context, id string, set widget.Settings) (*widget.Config, error) {
	var out *widget.Config
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		c, err := scanWidget(tx.QueryRowContext(ctx, `SELECT `+widgetColumns+` FROM widgets WHERE widget_id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return &widget.NotFoundError{Kind: "widget", ID: id}
		}
		if err != nil {
			return fmt.Errorf("store: read widget: %w", err)
		}
		set.Apply(c)
		c.UpdatedAt = s.nowMilli()
		_, err = tx.ExecContext(ctx, `
			UPDATE widgets SET title = ?, level = ?, transparent = ?, decorated = ?, updated_at = ?
			WHERE widget_id = ?`,
			c.Title, string(c.Level), boolInt(c.Transparent), boolInt(c.Decorated), c.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("store: update settings: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteWidget removes a widget and its modifiers in one transaction. With
// purgeHistory the widget's extraction history goes in the same transaction;
// otherwise it stays queryable.
func (s *Store) DeleteWidget(ctx context.Context, id string, purgeHistory bool) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM modifiers WHERE widget_id = ?`, id); err != nil {
			return fmt.Errorf("store: delete modifiers: %w", err)
		}
		if purgeHistory {
			if _, err := tx.ExecContext(ctx, `DELETE FROM extractions WHERE widget_id = ?`, id); err != nil {
				return fmt.Errorf("store: delete extractions: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM widgets WHERE widget_id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete widget: %w", err)
		}
		return requireRow(res, "widget", id)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWidget(row rowScanner) (*widget.Config, error) {
	c := &widget.Config{}
	var kind, level string
	var transparent, decorated, open int
	err := row.Scan(
		&c.ID, &c.Incarnation, &c.Title, &kind, &c.Source.Address, &c.Source.HTML,
		&level, &transparent, &decorated, &open,
		&c.Bounds.X, &c.Bounds.Y, &c.Bounds.Width, &c.Bounds.Height, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Source.Kind = widget.SourceKind(kind)
	c.Level = widget.Level(level)
	c.Transparent = transparent != 0
	c.Decorated = decorated != 0
	c.Open = open != 0
	return c, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return &widget.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}
